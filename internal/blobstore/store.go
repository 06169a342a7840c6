// Package blobstore talks to the remote object store that holds emoji images.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Store is the raw list/put/delete surface of a blob store.
type Store interface {
	List(ctx context.Context, opts ListOptions) (*ListResult, error)
	Put(ctx context.Context, key string, body []byte, opts PutOptions) (*Blob, error)
	Delete(ctx context.Context, keys ...string) error
}

// Blob describes one stored object.
type Blob struct {
	Pathname    string    `json:"pathname"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType,omitempty"`
	UploadedAt  time.Time `json:"uploadedAt"`
	URL         string    `json:"url,omitempty"`
	DownloadURL string    `json:"downloadUrl,omitempty"`
}

// ListOptions holds options for listing objects.
type ListOptions struct {
	Prefix string
	Limit  int
	Cursor string
}

// ListResult is one page of a listing.
type ListResult struct {
	Blobs   []Blob
	Cursor  string
	HasMore bool
}

// PutOptions holds options for uploading an object.
type PutOptions struct {
	ContentType string
	Public      bool
}

const maxErrorBody = 4 << 10

// HTTPError is a non-2xx answer from the store.
type HTTPError struct {
	Op     string
	Status int
	Body   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("blob store %s failed: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("blob store %s failed: status %d: %s", e.Op, e.Status, e.Body)
}

// IsNotFound reports whether err is a 404 from the store.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound
}

func trimBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}
