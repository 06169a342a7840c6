package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/stossymoji/internal/audit"
	"github.com/kenneth/stossymoji/internal/blobstore"
	"github.com/kenneth/stossymoji/internal/cache"
	"github.com/kenneth/stossymoji/internal/config"
	"github.com/kenneth/stossymoji/internal/crypto"
	"github.com/kenneth/stossymoji/internal/emoji"
	"github.com/kenneth/stossymoji/internal/metrics"
	"github.com/kenneth/stossymoji/internal/middleware"
)

// fakeStore is an in-memory blobstore.Store.
type fakeStore struct {
	mu        sync.Mutex
	objects   map[string]blobstore.Blob
	putErr    error
	deleteErr error
	lastLimit int
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string]blobstore.Blob)}
}

func (f *fakeStore) List(ctx context.Context, opts blobstore.ListOptions) (*blobstore.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = opts.Limit
	res := &blobstore.ListResult{}
	for path, b := range f.objects {
		if strings.HasPrefix(path, opts.Prefix) {
			res.Blobs = append(res.Blobs, b)
		}
	}
	return res, nil
}

func (f *fakeStore) Put(ctx context.Context, key string, body []byte, opts blobstore.PutOptions) (*blobstore.Blob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	b := blobstore.Blob{
		Pathname:    key,
		Size:        int64(len(body)),
		ContentType: opts.ContentType,
		UploadedAt:  time.Now().UTC(),
		URL:         "https://cdn.example.com/" + key,
	}
	f.objects[key] = b
	return &b, nil
}

func (f *fakeStore) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for _, k := range keys {
		delete(f.objects, k)
	}
	return nil
}

func (f *fakeStore) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

type fixture struct {
	router   *mux.Router
	store    *fakeStore
	cfg      *config.Config
	lastCred crypto.Credentials
	audit    audit.Logger
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Store.ID = "abc123"
	cfg.Store.Token = "tok_xyz"
	if mutate != nil {
		mutate(cfg)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{store: newFakeStore(), cfg: cfg, audit: audit.NewLogger(100, audit.NewJSONWriter(io.Discard))}
	stores := func(_ *config.Config, creds crypto.Credentials) (blobstore.Store, error) {
		f.lastCred = creds
		return f.store, nil
	}

	h := NewHandler(func() *config.Config { return f.cfg }, stores, logger,
		metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
		WithKeyCache(cache.NewMemoryCache(1<<20, 16, time.Hour)),
		WithAudit(f.audit),
		WithPolicies(config.NewPolicyManager()),
	)
	f.router = mux.NewRouter()
	h.RegisterRoutes(f.router)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) upload(t *testing.T, name string) emoji.Record {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/emoji?filename=fire.png&name="+name, bytes.NewReader([]byte("\x89PNG")))
	req.Header.Set("Content-Type", "image/png")
	rr := f.do(req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var rec emoji.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	return rec
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) APIError {
	t.Helper()
	var body APIError
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestUploadAndList(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.upload(t, "fire")
	assert.Equal(t, "fire", rec.DisplayName)
	assert.True(t, rec.Decrypted)
	assert.True(t, strings.HasPrefix(rec.ID, "emoji/"))
	assert.True(t, strings.HasSuffix(rec.ID, ".stossymoji.png"))
	assert.NotContains(t, rec.ID, "fire")

	rr := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/emoji", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Emoji []emoji.Record `json:"emoji"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Emoji, 1)
	assert.Equal(t, "fire", body.Emoji[0].DisplayName)
	assert.Equal(t, "image/png", body.Emoji[0].ContentType)

	var listed bool
	for _, ev := range f.audit.Events() {
		if ev.Operation == "list" {
			listed = true
			assert.Equal(t, "store_abc123", ev.StoreID)
		}
	}
	assert.True(t, listed)
}

func TestList_InvalidLimit(t *testing.T) {
	f := newFixture(t, nil)

	for _, limit := range []string{"0", "-3", "many"} {
		rr := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/emoji?limit="+limit, nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code, limit)
		assert.Equal(t, "InvalidArgument", decodeError(t, rr).Code)
	}
}

func TestList_LargeLimitClamped(t *testing.T) {
	f := newFixture(t, nil)
	f.upload(t, "fire")

	for _, limit := range []string{"4294967296", "2147483648", "10001"} {
		rr := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/emoji?limit="+limit, nil))
		require.Equal(t, http.StatusOK, rr.Code, limit)
		assert.Equal(t, emoji.MaxListLimit, f.store.lastLimit, limit)
	}
}

func TestMissingCredentials(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Store.Token = "" })

	rr := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/emoji", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "InvalidCredentials", decodeError(t, rr).Code)
	assert.Empty(t, f.store.keys())
}

func TestClientCredentials(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Store.UseClientCredentials = true })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/emoji?name=party", bytes.NewReader([]byte("GIF89a")))
	req.Header.Set("Content-Type", "image/gif")
	req.Header.Set(middleware.StoreIDHeader, "other")
	req.Header.Set("Authorization", "Bearer other-token")
	rr := f.do(req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	assert.Equal(t, crypto.NewCredentials("other", "other-token"), f.lastCred)

	var rec emoji.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.True(t, strings.HasSuffix(rec.ID, ".stossymoji.gif"))

	// The configured credentials cannot read the client's name.
	rr = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/emoji", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), `"displayName":"party"`)
	assert.Contains(t, rr.Body.String(), `"decrypted":false`)
}

func TestClientCredentials_Incomplete(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Store.UseClientCredentials = true })

	partial := []map[string]string{
		{middleware.StoreIDHeader: "someone-else"},
		{StoreTokenHeader: "tok_other"},
		{"Authorization": "Bearer tok_other"},
		{middleware.StoreIDHeader: "someone-else", "Authorization": "Basic dXNlcjpwdw=="},
	}
	for _, headers := range partial {
		for _, req := range []*http.Request{
			httptest.NewRequest(http.MethodGet, "/api/v1/emoji", nil),
			httptest.NewRequest(http.MethodPost, "/api/v1/render", strings.NewReader(`{"text":"hi"}`)),
		} {
			for k, v := range headers {
				req.Header.Set(k, v)
			}
			f.lastCred = crypto.Credentials{}

			rr := f.do(req)
			assert.Equal(t, http.StatusUnauthorized, rr.Code, "%s %s %v", req.Method, req.URL.Path, headers)
			assert.Equal(t, "InvalidCredentials", decodeError(t, rr).Code)
			assert.Empty(t, f.lastCred.StoreID, "configured store must not be used")
		}
	}
}

func TestUpload_Errors(t *testing.T) {
	t.Run("empty body", func(t *testing.T) {
		f := newFixture(t, nil)
		rr := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/emoji?name=x", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("too large", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.Server.MaxUploadBytes = 4 })
		rr := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/emoji?name=x", bytes.NewReader([]byte("0123456789"))))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
		assert.Equal(t, "EntityTooLarge", decodeError(t, rr).Code)
		assert.Empty(t, f.store.keys())
	})

	t.Run("upstream failure", func(t *testing.T) {
		f := newFixture(t, nil)
		f.store.putErr = &blobstore.HTTPError{Op: "put", Status: http.StatusForbidden, Body: "nope"}
		rr := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/emoji?name=x", bytes.NewReader([]byte("img"))))
		assert.Equal(t, http.StatusBadGateway, rr.Code)

		body := decodeError(t, rr)
		assert.Equal(t, "UpstreamError", body.Code)
		assert.Equal(t, http.StatusForbidden, body.UpstreamStatus)
		assert.NotContains(t, rr.Body.String(), "nope")
	})
}

func TestDelete(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.upload(t, "fire")

	rr := f.do(httptest.NewRequest(http.MethodDelete, "/api/v1/emoji?id="+rec.ID, nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, f.store.keys())

	rr = f.do(httptest.NewRequest(http.MethodDelete, "/api/v1/emoji", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRename(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.upload(t, "fire")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/emoji/rename?id="+rec.ID+"&name=flame", bytes.NewReader([]byte("\x89PNG")))
	rr := f.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var result emoji.RenameResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, emoji.RenameFullyRenamed, result.Outcome)
	require.NotNil(t, result.Record)
	assert.Equal(t, "flame", result.Record.DisplayName)
	assert.Equal(t, []string{result.Record.ID}, f.store.keys())
}

func TestRename_DeletedButUploadFailed(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.upload(t, "fire")
	f.store.putErr = &blobstore.HTTPError{Op: "put", Status: http.StatusServiceUnavailable}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/emoji/rename?id="+rec.ID+"&name=flame", bytes.NewReader([]byte("\x89PNG")))
	rr := f.do(req)
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	var result emoji.RenameResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	assert.Equal(t, emoji.RenameDeletedButUploadFailed, result.Outcome)
	assert.Equal(t, rec.ID, result.OldID)
	assert.NotEmpty(t, result.Error)
	assert.Empty(t, f.store.keys())
}

func TestRename_DeleteFails(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.upload(t, "fire")
	f.store.deleteErr = &blobstore.HTTPError{Op: "delete", Status: http.StatusNotFound}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/emoji/rename?id="+rec.ID+"&name=flame", bytes.NewReader([]byte("\x89PNG")))
	rr := f.do(req)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "UpstreamError", decodeError(t, rr).Code)
	assert.Equal(t, []string{rec.ID}, f.store.keys())
}

func TestRender(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.upload(t, "fire")
	link := "https://cdn.example.com/" + rec.ID

	payload, _ := json.Marshal(renderRequest{Text: "look " + link + " and <a:wave:123456789012345678>"})
	rr := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/render", bytes.NewReader(payload)))
	require.Equal(t, http.StatusOK, rr.Code)

	var out renderResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, "look ![fire]("+link+") and ![wave](emoji://123456789012345678?animated=true&name=wave)", out.Text)
}

func TestRender_WithoutCredentialsFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.upload(t, "fire")
	f.cfg.Store.Token = ""

	link := "https://cdn.example.com/" + rec.ID
	payload, _ := json.Marshal(renderRequest{Text: link})
	rr := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/render", bytes.NewReader(payload)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "![emoji]("+link+")")
}

func TestRender_BadJSON(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(httptest.NewRequest(http.MethodPost, "/api/v1/render", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "InvalidRequest", decodeError(t, rr).Code)
}

func TestNative(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Render.NativeCDN = "https://cdn.example.com/emojis/" })

	rr := f.do(httptest.NewRequest(http.MethodGet, "/api/v1/native/123?animated=true", nil))
	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "https://cdn.example.com/emojis/123.gif", rr.Header().Get("Location"))

	rr = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/native/123", nil))
	assert.Equal(t, "https://cdn.example.com/emojis/123.png", rr.Header().Get("Location"))

	rr = f.do(httptest.NewRequest(http.MethodGet, "/api/v1/native/abc", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/health", "/live", "/ready", "/version", "/metrics"} {
		rr := f.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}

	f.cfg.Store.Token = ""
	rr := f.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	f.cfg.Store.UseClientCredentials = true
	rr = f.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestPolicies(t *testing.T) {
	dir := t.TempDir()
	policy := `id: big-stores
stores: ["store_big*"]
prefix: big
rate_limit:
  enabled: true
  limit: 500
  window: 1m
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.yaml"), []byte(policy), 0o600))

	pm := config.NewPolicyManager()
	require.NoError(t, pm.LoadPolicies([]string{filepath.Join(dir, "*.yaml")}))

	cfg := config.Default()
	cfg.Store.UseClientCredentials = true
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := NewHandler(func() *config.Config { return cfg }, nil, logger,
		metrics.NewMetricsWithRegistry(prometheus.NewRegistry()), WithPolicies(pm))

	assert.Equal(t, 500, h.StoreRateLimit("big1"))
	assert.Equal(t, 500, h.StoreRateLimit("store_big2"))
	assert.Equal(t, 0, h.StoreRateLimit("small"))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/emoji", nil)
	assert.Equal(t, "emoji", h.ScopePrefix(req))

	req.Header.Set(middleware.StoreIDHeader, "big1")
	req.Header.Set("Authorization", "Bearer t")
	assert.Equal(t, "big", h.ScopePrefix(req))
}
