package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/stossymoji/internal/audit"
	"github.com/kenneth/stossymoji/internal/cache"
	"github.com/kenneth/stossymoji/internal/config"
	"github.com/kenneth/stossymoji/internal/crypto"
	"github.com/kenneth/stossymoji/internal/emoji"
	"github.com/kenneth/stossymoji/internal/metrics"
	"github.com/kenneth/stossymoji/internal/render"
)

const (
	routeEmoji  = "/api/v1/emoji"
	routeRename = "/api/v1/emoji/rename"
	routeRender = "/api/v1/render"
	routeNative = "/api/v1/native/{id}"

	// maxRenderBytes bounds a render request body.
	maxRenderBytes = 1 << 20
)

// Handler serves the gateway's HTTP API.
type Handler struct {
	config      func() *config.Config
	stores      StoreFactory
	logger      *logrus.Logger
	metrics     *metrics.Metrics
	keyCache    cache.Cache
	auditLogger audit.Logger
	policies    *config.PolicyManager
	locks       *emoji.KeyLocks
}

// Option configures a Handler.
type Option func(*Handler)

// WithKeyCache shares the derived-key cache across requests.
func WithKeyCache(c cache.Cache) Option {
	return func(h *Handler) { h.keyCache = c }
}

func WithAudit(a audit.Logger) Option {
	return func(h *Handler) { h.auditLogger = a }
}

// WithPolicies applies per-store overrides to every request.
func WithPolicies(pm *config.PolicyManager) Option {
	return func(h *Handler) { h.policies = pm }
}

// NewHandler creates the API handler. cfg is consulted on every request so
// hot-reloaded settings apply without rebuilding the router.
func NewHandler(cfg func() *config.Config, stores StoreFactory, logger *logrus.Logger, m *metrics.Metrics, opts ...Option) *Handler {
	h := &Handler{
		config:  cfg,
		stores:  stores,
		logger:  logger,
		metrics: m,
		locks:   emoji.NewKeyLocks(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")
	r.HandleFunc("/version", h.handleVersion).Methods("GET")
	r.Handle("/metrics", h.metrics.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/emoji", h.handleList).Methods("GET")
	api.HandleFunc("/emoji", h.handleUpload).Methods("POST")
	api.HandleFunc("/emoji", h.handleDelete).Methods("DELETE")
	api.HandleFunc("/emoji/rename", h.handleRename).Methods("POST")
	api.HandleFunc("/render", h.handleRender).Methods("POST")
	api.HandleFunc("/native/{id}", h.handleNative).Methods("GET")
}

// resolve picks the request's credentials and the configuration that
// applies to their store.
func (h *Handler) resolve(r *http.Request) (*config.Config, crypto.Credentials, error) {
	cfg := h.config()
	creds := cfg.Store.Credentials()
	if cfg.Store.UseClientCredentials && HasCredentials(r) {
		clientCreds, ok := ExtractCredentials(r)
		if !ok {
			return nil, crypto.Credentials{}, fmt.Errorf("%w: incomplete client credentials", crypto.ErrInvalidCredentials)
		}
		creds = clientCreds
		h.logger.WithField("store", creds.StoreIdentifier()).Debug("Using client credentials for store request")
	}
	return h.policies.Resolve(cfg, creds.StoreIdentifier()), creds, nil
}

// ScopePrefix returns the object prefix that applies to the request's store.
func (h *Handler) ScopePrefix(r *http.Request) string {
	cfg, _, err := h.resolve(r)
	if err != nil {
		// The handler answers 401; scope checks use the configured prefix.
		return h.config().Store.Prefix
	}
	return cfg.Store.Prefix
}

// StoreRateLimit returns the per-store request limit set by a policy, or 0.
func (h *Handler) StoreRateLimit(storeID string) int {
	if h.policies == nil {
		return 0
	}
	id := crypto.NewCredentials(storeID, "").StoreIdentifier()
	if p := h.policies.GetPolicyForStore(id); p != nil && p.RateLimit != nil {
		return p.RateLimit.Limit
	}
	return 0
}

func (h *Handler) newCipher(cfg *config.Config, creds crypto.Credentials) (*crypto.NameCipher, error) {
	opts := []crypto.Option{crypto.WithAlgorithm(cfg.Cipher.Algorithm)}
	if h.keyCache != nil {
		opts = append(opts, crypto.WithKeyCache(h.keyCache))
	}
	return crypto.NewNameCipher(creds, opts...)
}

// service builds the emoji service for one request.
func (h *Handler) service(r *http.Request) (*emoji.Service, *config.Config, error) {
	cfg, creds, err := h.resolve(r)
	if err != nil {
		return nil, nil, err
	}

	cipher, err := h.newCipher(cfg, creds)
	if err != nil {
		return nil, nil, err
	}

	store, err := h.stores(cfg, creds)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open blob store: %w", err)
	}

	opts := []emoji.Option{
		emoji.WithPrefix(cfg.Store.Prefix),
		emoji.WithMetrics(h.metrics),
		emoji.WithKeyLocks(h.locks),
	}
	if cfg.Store.Backend != "" {
		opts = append(opts, emoji.WithBackendName(cfg.Store.Backend))
	}
	if h.auditLogger != nil {
		opts = append(opts, emoji.WithAudit(h.auditLogger))
	}

	svc, err := emoji.NewService(store, cipher, h.logger, opts...)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, route string, err error, start time.Time) {
	apiErr := TranslateError(err).withRequestID(getRequestID(r))

	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"method": r.Method,
		"route":  route,
		"code":   apiErr.Code,
	})
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Warn("Request rejected")
	}

	apiErr.WriteJSON(w)
	h.metrics.RecordHTTPRequest(r.Method, route, apiErr.HTTPStatus, time.Since(start), 0)
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, route string, status int, body interface{}, start time.Time) {
	n := writeJSON(w, status, body)
	h.metrics.RecordHTTPRequest(r.Method, route, status, time.Since(start), n)
}

// handleHealth handles health check requests.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.HealthHandler()(w, r)
	h.metrics.RecordHTTPRequest("GET", "/health", http.StatusOK, time.Since(start), 0)
}

// handleReady reports ready once the gateway can serve requests without
// client-supplied credentials, or immediately when clients bring their own.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	metrics.ReadinessHandler(h.readinessCheck)(rw, r)
	h.metrics.RecordHTTPRequest("GET", "/ready", rw.status, time.Since(start), 0)
}

func (h *Handler) readinessCheck(_ context.Context) error {
	cfg := h.config()
	if cfg.Store.UseClientCredentials {
		return nil
	}
	return cfg.Store.Credentials().Validate()
}

// handleLive handles liveness check requests.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.LivenessHandler()(w, r)
	h.metrics.RecordHTTPRequest("GET", "/live", http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "/version", http.StatusOK, map[string]string{
		"version": metrics.Version(),
		"build":   metrics.BuildInfo(),
	}, time.Now())
}

// handleList lists the store's emoji with decrypted display names.
func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	svc, cfg, err := h.service(r)
	if err != nil {
		h.writeError(w, r, routeEmoji, err, start)
		return
	}

	limit := cfg.Store.ListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, routeEmoji, ErrInvalidLimit, start)
			return
		}
		limit = min(n, emoji.MaxListLimit)
	}

	records, err := svc.List(r.Context(), limit)
	if h.auditLogger != nil {
		h.auditLogger.LogAccess("list", svc.StoreID(), "", getClientIP(r), r.UserAgent(), getRequestID(r), err == nil, err, time.Since(start))
	}
	if err != nil {
		h.writeError(w, r, routeEmoji, err, start)
		return
	}

	h.respond(w, r, routeEmoji, http.StatusOK, map[string]interface{}{"emoji": records}, start)
}

// readImage reads an image body, bounded by the configured upload limit.
func readImage(w http.ResponseWriter, r *http.Request, cfg *config.Config) ([]byte, error) {
	body := r.Body
	if max := cfg.Server.MaxUploadBytes; max > 0 {
		body = http.MaxBytesReader(w, r.Body, max)
	}
	return io.ReadAll(body)
}

// handleUpload stores the request body under an encrypted name.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	svc, cfg, err := h.service(r)
	if err != nil {
		h.writeError(w, r, routeEmoji, err, start)
		return
	}

	data, err := readImage(w, r, cfg)
	if err != nil {
		h.writeError(w, r, routeEmoji, err, start)
		return
	}

	q := r.URL.Query()
	rec, err := svc.Upload(r.Context(), emoji.UploadRequest{
		Data:        data,
		Filename:    q.Get("filename"),
		DisplayName: q.Get("name"),
		ContentType: r.Header.Get("Content-Type"),
	})
	if err != nil {
		h.writeError(w, r, routeEmoji, err, start)
		return
	}

	h.respond(w, r, routeEmoji, http.StatusCreated, rec, start)
}

// handleDelete removes the object named by the id query parameter.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	svc, _, err := h.service(r)
	if err != nil {
		h.writeError(w, r, routeEmoji, err, start)
		return
	}

	if err := svc.Delete(r.Context(), r.URL.Query().Get("id")); err != nil {
		h.writeError(w, r, routeEmoji, err, start)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.metrics.RecordHTTPRequest(r.Method, routeEmoji, http.StatusNoContent, time.Since(start), 0)
}

// handleRename re-uploads the request body under a new name and removes the
// old object. A rename that deleted the old object but failed to upload the
// new one answers 502 with the outcome so the caller can retry the upload.
func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	svc, cfg, err := h.service(r)
	if err != nil {
		h.writeError(w, r, routeRename, err, start)
		return
	}

	data, err := readImage(w, r, cfg)
	if err != nil {
		h.writeError(w, r, routeRename, err, start)
		return
	}

	q := r.URL.Query()
	result, err := svc.Rename(r.Context(), emoji.RenameRequest{
		Data:        data,
		OldID:       q.Get("id"),
		NewName:     q.Get("name"),
		ContentType: r.Header.Get("Content-Type"),
	})
	switch {
	case err == nil:
		h.respond(w, r, routeRename, http.StatusOK, result, start)
	case result != nil && result.Outcome == emoji.RenameDeletedButUploadFailed:
		h.respond(w, r, routeRename, http.StatusBadGateway, result, start)
	default:
		h.writeError(w, r, routeRename, err, start)
	}
}

type renderRequest struct {
	Text string `json:"text"`
}

type renderResponse struct {
	Text string `json:"text"`
}

// handleRender rewrites message text so emoji render as images. Missing or
// wrong credentials degrade to labels instead of failing the request.
func (h *Handler) handleRender(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req renderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRenderBytes)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if !errors.As(err, &tooLarge) {
			err = fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		h.writeError(w, r, routeRender, err, start)
		return
	}

	rewriter, err := h.rewriter(r)
	if err != nil {
		h.writeError(w, r, routeRender, err, start)
		return
	}
	h.respond(w, r, routeRender, http.StatusOK, renderResponse{Text: rewriter.Rewrite(req.Text)}, start)
}

func (h *Handler) rewriter(r *http.Request) (*render.Rewriter, error) {
	cfg, creds, err := h.resolve(r)
	if err != nil {
		return nil, err
	}
	opts := []render.Option{
		render.WithNativeCDN(cfg.Render.NativeCDN),
		render.WithObserver(metricsObserver{h.metrics}),
	}

	cipher, err := h.newCipher(cfg, creds)
	if err != nil {
		h.logger.WithError(err).Debug("Rendering without name decryption")
		return render.NewRewriter(nil, opts...), nil
	}
	return render.NewRewriter(cipher, opts...), nil
}

// handleNative redirects to the CDN image of a native emoji.
func (h *Handler) handleNative(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	animated, _ := strconv.ParseBool(r.URL.Query().Get("animated"))
	rewriter := render.NewRewriter(nil, render.WithNativeCDN(h.config().Render.NativeCDN))
	target, err := rewriter.NativeImageURL(mux.Vars(r)["id"], animated)
	if err != nil {
		h.writeError(w, r, routeNative, ErrInvalidNativeID, start)
		return
	}

	http.Redirect(w, r, target, http.StatusFound)
	h.metrics.RecordHTTPRequest(r.Method, routeNative, http.StatusFound, time.Since(start), 0)
}

// metricsObserver feeds rewrite counts into the metrics registry.
type metricsObserver struct {
	m *metrics.Metrics
}

func (o metricsObserver) ObserveRewrite(pass string, rewritten, fallbacks int) {
	o.m.RecordRewrites(pass, rewritten)
	for i := 0; i < fallbacks; i++ {
		o.m.RecordDecryptFallback("render")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
