package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/stossymoji/internal/config"
	"github.com/kenneth/stossymoji/internal/crypto"
)

// HTTPStore implements Store against the blob HTTP API.
type HTTPStore struct {
	baseURL    *url.URL
	apiVersion string
	creds      crypto.Credentials
	httpClient *http.Client
	logger     *logrus.Logger
}

// HTTPOption configures an HTTPStore.
type HTTPOption func(*HTTPStore)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPStore) {
		s.httpClient = c
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *logrus.Logger) HTTPOption {
	return func(s *HTTPStore) {
		s.logger = l
	}
}

// NewHTTPStore creates a store client. Credentials are checked on every
// call rather than here so a misconfigured store still fails per operation
// with ErrInvalidCredentials.
func NewHTTPStore(cfg config.StoreConfig, creds crypto.Credentials, opts ...HTTPOption) (*HTTPStore, error) {
	endpoint := strings.TrimSpace(cfg.BaseURL)
	if endpoint == "" {
		return nil, fmt.Errorf("store base URL is required")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	baseURL, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid store base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s := &HTTPStore{
		baseURL:    baseURL,
		apiVersion: cfg.APIVersion,
		creds:      crypto.NewCredentials(creds.StoreID, creds.SecretToken),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type listResponse struct {
	Blobs   []wireBlob `json:"blobs"`
	Cursor  string     `json:"cursor"`
	HasMore bool       `json:"hasMore"`
}

type wireBlob struct {
	Pathname    string      `json:"pathname"`
	Size        json.Number `json:"size"`
	ContentType string      `json:"contentType"`
	UploadedAt  string      `json:"uploadedAt"`
	URL         string      `json:"url"`
	DownloadURL string      `json:"downloadUrl"`
}

func (w wireBlob) toBlob() Blob {
	b := Blob{
		Pathname:    w.Pathname,
		ContentType: w.ContentType,
		URL:         w.URL,
		DownloadURL: w.DownloadURL,
	}
	if n, err := w.Size.Int64(); err == nil {
		b.Size = n
	}
	if w.UploadedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, w.UploadedAt); err == nil {
			b.UploadedAt = t
		}
	}
	return b
}

// List fetches one page of blobs under opts.Prefix.
func (s *HTTPStore) List(ctx context.Context, opts ListOptions) (*ListResult, error) {
	if err := s.creds.Validate(); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("prefix", opts.Prefix)
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}

	u := *s.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/"
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create list request: %w", err)
	}

	var out listResponse
	if err := s.do(req, "list", &out); err != nil {
		return nil, err
	}

	result := &ListResult{
		Blobs:   make([]Blob, 0, len(out.Blobs)),
		Cursor:  out.Cursor,
		HasMore: out.HasMore,
	}
	for _, w := range out.Blobs {
		result.Blobs = append(result.Blobs, w.toBlob())
	}
	return result, nil
}

// Put uploads body under key. Server-side random suffixes are disabled: the
// key is already unique.
func (s *HTTPStore) Put(ctx context.Context, key string, body []byte, opts PutOptions) (*Blob, error) {
	if err := s.creds.Validate(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("object key is required")
	}

	u := s.baseURL.JoinPath(key)
	if opts.Public {
		u.RawQuery = url.Values{"access": {"public"}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create put request: %w", err)
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("x-add-random-suffix", "0")
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
		req.Header.Set("x-content-type", opts.ContentType)
	}

	var out wireBlob
	if err := s.do(req, "put", &out); err != nil {
		return nil, err
	}

	blob := out.toBlob()
	if blob.Pathname == "" {
		blob.Pathname = key
	}
	if blob.Size == 0 {
		blob.Size = int64(len(body))
	}
	if blob.ContentType == "" {
		blob.ContentType = opts.ContentType
	}
	if blob.UploadedAt.IsZero() {
		blob.UploadedAt = time.Now().UTC()
	}
	return &blob, nil
}

type deleteRequest struct {
	URLs []string `json:"urls"`
}

// Delete removes the named objects in one request.
func (s *HTTPStore) Delete(ctx context.Context, keys ...string) error {
	if err := s.creds.Validate(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	payload, err := json.Marshal(deleteRequest{URLs: keys})
	if err != nil {
		return fmt.Errorf("failed to encode delete request: %w", err)
	}

	u := s.baseURL.JoinPath("delete")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create delete request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return s.do(req, "delete", nil)
}

// do sends req with auth headers and decodes a JSON body into out when set.
func (s *HTTPStore) do(req *http.Request, op string, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+s.creds.SecretToken)
	req.Header.Set("x-store-id", s.creds.StoreIdentifier())
	if s.apiVersion != "" {
		req.Header.Set("x-api-version", s.apiVersion)
	}

	start := time.Now()
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("blob store %s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	s.logger.WithFields(logrus.Fields{
		"op":       op,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("Blob store request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{Op: op, Status: resp.StatusCode, Body: trimBody(body)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}
