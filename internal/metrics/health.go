package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/common/version"
)

var startTime = time.Now()

var versionMu sync.Mutex

// SetVersion records build information for health responses and the
// build_info metric.
func SetVersion(v, commit string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	version.Version = v
	version.Revision = commit
}

// Version returns the version string set by SetVersion.
func Version() string {
	versionMu.Lock()
	defer versionMu.Unlock()
	return version.Version
}

// BuildInfo returns a one-line description of the running build.
func BuildInfo() string {
	versionMu.Lock()
	defer versionMu.Unlock()
	return version.Info()
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeHealth(w http.ResponseWriter, status int, body healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler reports that the process is up.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, healthResponse{
			Status:  "healthy",
			Version: Version(),
			Uptime:  time.Since(startTime).Truncate(time.Second).String(),
		})
	}
}

// LivenessHandler reports that the HTTP loop is serving.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, healthResponse{Status: "alive"})
	}
}

// ReadinessHandler runs check with a short timeout and answers 503 when it
// fails. A nil check is always ready.
func ReadinessHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				writeHealth(w, http.StatusServiceUnavailable, healthResponse{Status: "not_ready", Error: err.Error()})
				return
			}
		}
		writeHealth(w, http.StatusOK, healthResponse{Status: "ready"})
	}
}
