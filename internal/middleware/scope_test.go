package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func staticPrefix(p string) func(*http.Request) string {
	return func(*http.Request) string { return p }
}

func TestScopeValidationMiddleware(t *testing.T) {
	handler := ScopeValidationMiddleware(staticPrefix("/emoji/"), quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"delete in scope", http.MethodDelete, "/api/v1/emoji?id=emoji/abc.stossymoji.png", http.StatusNoContent},
		{"delete other prefix", http.MethodDelete, "/api/v1/emoji?id=avatars/abc.stossymoji.png", http.StatusForbidden},
		{"delete unmanaged object", http.MethodDelete, "/api/v1/emoji?id=emoji/readme.txt", http.StatusForbidden},
		{"delete traversal", http.MethodDelete, "/api/v1/emoji?id=emoji/../x.stossymoji.png", http.StatusForbidden},
		{"rename in scope", http.MethodPost, "/api/v1/emoji/rename?id=emoji/abc.stossymoji.gif", http.StatusNoContent},
		{"rename out of scope", http.MethodPost, "/api/v1/emoji/rename?id=other/abc.stossymoji.gif", http.StatusForbidden},
		{"missing id passes", http.MethodDelete, "/api/v1/emoji", http.StatusNoContent},
		{"list is not scoped", http.MethodGet, "/api/v1/emoji?id=anything", http.StatusNoContent},
		{"health is not scoped", http.MethodGet, "/health", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(tt.method, tt.target, nil))
			assert.Equal(t, tt.want, rr.Code)
			if tt.want == http.StatusForbidden {
				assert.Contains(t, rr.Body.String(), `"code":"AccessDenied"`)
			}
		})
	}
}

func TestScopeValidationMiddleware_NoPrefix(t *testing.T) {
	handler := ScopeValidationMiddleware(staticPrefix(""), quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/v1/emoji?id=abc.stossymoji.webp", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestScopeValidationMiddleware_PerRequestPrefix(t *testing.T) {
	prefixFor := func(r *http.Request) string {
		if r.Header.Get(StoreIDHeader) == "store_b" {
			return "b-emoji"
		}
		return "emoji"
	}
	handler := ScopeValidationMiddleware(prefixFor, quietLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/emoji?id=b-emoji/abc.stossymoji.png", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req.Header.Set(StoreIDHeader, "store_b")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}
