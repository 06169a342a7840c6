package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kenneth/stossymoji/internal/crypto"
)

func TestExtractCredentials(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    crypto.Credentials
		wantOK  bool
	}{
		{
			name:    "bearer token",
			headers: map[string]string{"X-Store-Id": "abc123", "Authorization": "Bearer tok_xyz"},
			want:    crypto.NewCredentials("abc123", "tok_xyz"),
			wantOK:  true,
		},
		{
			name:    "lowercase scheme",
			headers: map[string]string{"X-Store-Id": "abc123", "Authorization": "bearer tok_xyz"},
			want:    crypto.NewCredentials("abc123", "tok_xyz"),
			wantOK:  true,
		},
		{
			name:    "store token header",
			headers: map[string]string{"X-Store-Id": " abc123 ", "X-Store-Token": "tok_xyz "},
			want:    crypto.NewCredentials("abc123", "tok_xyz"),
			wantOK:  true,
		},
		{
			name:    "bearer wins over store token header",
			headers: map[string]string{"X-Store-Id": "abc123", "X-Store-Token": "old", "Authorization": "Bearer new"},
			want:    crypto.NewCredentials("abc123", "new"),
			wantOK:  true,
		},
		{
			name:    "basic auth is ignored",
			headers: map[string]string{"X-Store-Id": "abc123", "Authorization": "Basic dXNlcjpwYXNz"},
			wantOK:  false,
		},
		{
			name:    "missing store id",
			headers: map[string]string{"Authorization": "Bearer tok_xyz"},
			wantOK:  false,
		},
		{
			name:   "no headers",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/emoji", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			creds, ok := ExtractCredentials(req)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, creds)
			}
		})
	}
}

func TestHasCredentials(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, HasCredentials(req))

	req.Header.Set("X-Store-Id", "abc123")
	assert.True(t, HasCredentials(req))
}
