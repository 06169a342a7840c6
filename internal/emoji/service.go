// Package emoji manages custom emoji stored under encrypted object keys.
package emoji

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/stossymoji/internal/audit"
	"github.com/kenneth/stossymoji/internal/blobstore"
	"github.com/kenneth/stossymoji/internal/crypto"
	"github.com/kenneth/stossymoji/internal/metrics"
	"github.com/kenneth/stossymoji/internal/naming"
)

// DefaultListLimit caps List when the caller passes no limit.
const DefaultListLimit = 1000

// MaxListLimit is the most records one List call returns.
const MaxListLimit = 10000

var (
	// ErrEmptyImage is returned when an upload or rename carries no bytes.
	ErrEmptyImage = errors.New("emoji image is empty")
	// ErrMissingID is returned when a delete or rename names no object.
	ErrMissingID = errors.New("emoji id is required")
)

// Record is one stored emoji as seen by callers.
type Record struct {
	ID               string    `json:"id"`
	DisplayName      string    `json:"displayName"`
	EncryptedSegment string    `json:"encryptedSegment"`
	ContentType      string    `json:"contentType,omitempty"`
	SizeBytes        int64     `json:"sizeBytes"`
	UploadedAt       time.Time `json:"uploadedAt"`
	URL              string    `json:"url,omitempty"`
	DownloadURL      string    `json:"downloadUrl,omitempty"`
	Decrypted        bool      `json:"decrypted"`
}

// UploadRequest carries an already-encoded image and the name to hide.
type UploadRequest struct {
	Data        []byte
	Filename    string
	DisplayName string
	ContentType string
}

// RenameRequest re-supplies the image bytes, since a rename re-uploads.
type RenameRequest struct {
	Data        []byte
	OldID       string
	NewName     string
	ContentType string
}

// RenameOutcome tags how far a rename got.
type RenameOutcome string

const (
	RenameNotStarted             RenameOutcome = "not_started"
	RenameFullyRenamed           RenameOutcome = "fully_renamed"
	RenameDeletedButUploadFailed RenameOutcome = "deleted_but_upload_failed"
)

// RenameResult reports a rename. Record is set only when fully renamed.
type RenameResult struct {
	Outcome RenameOutcome `json:"outcome"`
	OldID   string        `json:"oldId"`
	Record  *Record       `json:"record,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Service lists, uploads, renames and deletes emoji in one store.
type Service struct {
	store   blobstore.Store
	cipher  *crypto.NameCipher
	logger  *logrus.Logger
	prefix  string
	backend string
	metrics *metrics.Metrics
	audit   audit.Logger
	locks   *KeyLocks
}

// Option configures a Service.
type Option func(*Service)

// WithPrefix stores objects under prefix + "/".
func WithPrefix(prefix string) Option {
	return func(s *Service) {
		s.prefix = strings.Trim(prefix, "/")
	}
}

// WithBackendName labels store metrics.
func WithBackendName(name string) Option {
	return func(s *Service) {
		s.backend = name
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAudit(a audit.Logger) Option {
	return func(s *Service) {
		s.audit = a
	}
}

// WithKeyLocks shares a lock table between services built per request.
func WithKeyLocks(l *KeyLocks) Option {
	return func(s *Service) {
		s.locks = l
	}
}

// NewService creates a service. The cipher carries the credentials; a nil
// cipher means none were supplied.
func NewService(store blobstore.Store, cipher *crypto.NameCipher, logger *logrus.Logger, opts ...Option) (*Service, error) {
	if cipher == nil {
		return nil, crypto.ErrInvalidCredentials
	}
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Service{
		store:   store,
		cipher:  cipher,
		logger:  logger,
		backend: "http",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locks == nil {
		s.locks = NewKeyLocks()
	}
	return s, nil
}

func (s *Service) storeID() string {
	return s.cipher.Credentials().StoreIdentifier()
}

// StoreID returns the full identifier of the store the service acts on.
func (s *Service) StoreID() string {
	return s.storeID()
}

func (s *Service) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func (s *Service) objectPath(key string) string {
	return s.listPrefix() + key
}

// List returns up to limit emoji, following store cursors. Objects that do
// not follow the naming scheme are skipped; names that fail to decrypt are
// shown in their encrypted form.
func (s *Service) List(ctx context.Context, limit int) ([]Record, error) {
	if err := s.cipher.Credentials().Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	records := make([]Record, 0)
	cursor := ""
	for {
		start := time.Now()
		page, err := s.store.List(ctx, blobstore.ListOptions{
			Prefix: s.listPrefix(),
			Limit:  limit,
			Cursor: cursor,
		})
		s.observeStore("list", start, err)
		if err != nil {
			return nil, err
		}

		for _, b := range page.Blobs {
			if !naming.IsSchemeName(b.Pathname) {
				continue
			}
			records = append(records, s.toRecord(b))
			if len(records) >= limit {
				return records, nil
			}
		}

		if !page.HasMore || page.Cursor == "" || page.Cursor == cursor {
			return records, nil
		}
		cursor = page.Cursor
	}
}

func (s *Service) toRecord(b blobstore.Blob) Record {
	rec := Record{
		ID:          b.Pathname,
		ContentType: b.ContentType,
		SizeBytes:   b.Size,
		UploadedAt:  b.UploadedAt,
		URL:         b.URL,
		DownloadURL: b.DownloadURL,
	}

	name := naming.StripStorePrefix(b.Pathname, s.prefix)
	if key, ok := naming.ParseKey(name); ok && rec.ContentType == "" {
		rec.ContentType = naming.ContentTypeFor(key.Extension)
	}

	segment, ok := naming.ExtractEncryptedSegment(name)
	if !ok {
		rec.DisplayName = name
		return rec
	}
	rec.EncryptedSegment = segment

	display, decrypted := s.cipher.DecryptOrFallback(segment)
	rec.DisplayName = display
	rec.Decrypted = decrypted
	if !decrypted {
		s.logger.WithFields(logrus.Fields{
			"id":    b.Pathname,
			"store": s.storeID(),
		}).Debug("Showing encrypted emoji name, decryption failed")
		if s.metrics != nil {
			s.metrics.RecordDecryptFallback("list")
		}
		if s.audit != nil {
			s.audit.LogDecryptFallback(s.storeID(), b.Pathname, crypto.ErrInvalidCiphertext)
		}
	}
	return rec
}

// DisplayName resolves the human-readable name for any stored path. Paths
// outside the naming scheme are returned as their last component.
func (s *Service) DisplayName(id string) string {
	name := naming.StripStorePrefix(id, s.prefix)
	segment, ok := naming.ExtractEncryptedSegment(name)
	if !ok {
		if i := strings.LastIndex(name, "/"); i >= 0 {
			return name[i+1:]
		}
		return name
	}
	display, _ := s.cipher.DecryptOrFallback(segment)
	return display
}

// Upload encrypts the sanitized name into a new object key and stores the
// image publicly under it.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*Record, error) {
	if err := s.cipher.Credentials().Validate(); err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, ErrEmptyImage
	}

	raw := req.DisplayName
	if strings.TrimSpace(raw) == "" {
		raw = naming.BaseName(req.Filename)
	}

	start := time.Now()
	key, contentType, err := s.prepareKey(raw, req.ContentType, req.Filename)
	if err != nil {
		return nil, err
	}

	rec, err := s.put(ctx, key, req.Data, contentType)
	if s.audit != nil {
		s.audit.LogUpload(s.storeID(), key, err == nil, err, time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"id":    rec.ID,
		"size":  rec.SizeBytes,
		"store": s.storeID(),
	}).Info("Uploaded emoji")
	return rec, nil
}

// prepareKey sanitizes and encrypts name and returns the full object path
// with the content type to store it under.
func (s *Service) prepareKey(name, contentType, filename string) (string, string, error) {
	plain := naming.SanitizeBaseName(name)

	start := time.Now()
	token, err := s.cipher.Encrypt(plain)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordCipherError("encrypt", "encoding")
		}
		return "", "", fmt.Errorf("failed to encrypt emoji name: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordCipherOperation("encrypt", time.Since(start))
	}

	ext := naming.ExtensionFor(contentType, filename)
	if contentType == "" {
		contentType = naming.ContentTypeFor(ext)
	}
	return s.objectPath(naming.BuildKey(token, ext)), contentType, nil
}

func (s *Service) put(ctx context.Context, key string, data []byte, contentType string) (*Record, error) {
	start := time.Now()
	blob, err := s.store.Put(ctx, key, data, blobstore.PutOptions{
		ContentType: contentType,
		Public:      true,
	})
	s.observeStore("put", start, err)
	if err != nil {
		return nil, err
	}

	rec := s.toRecord(*blob)
	return &rec, nil
}

// Delete removes one stored emoji.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.cipher.Credentials().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return ErrMissingID
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	start := time.Now()
	err := s.delete(ctx, id)
	if s.audit != nil {
		s.audit.LogDelete(s.storeID(), id, err == nil, err, time.Since(start))
	}
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"id":    id,
		"store": s.storeID(),
	}).Info("Deleted emoji")
	return nil
}

func (s *Service) delete(ctx context.Context, id string) error {
	start := time.Now()
	err := s.store.Delete(ctx, id)
	s.observeStore("delete", start, err)
	return err
}

// Rename deletes OldID and uploads the bytes again under a key encrypting
// NewName. The two steps are not atomic and are not retried: when the
// upload fails after the delete, the emoji is gone and the result says so.
func (s *Service) Rename(ctx context.Context, req RenameRequest) (*RenameResult, error) {
	result := &RenameResult{Outcome: RenameNotStarted, OldID: req.OldID}

	if err := s.cipher.Credentials().Validate(); err != nil {
		return s.finishRename(result, "", err, time.Now())
	}
	if strings.TrimSpace(req.OldID) == "" {
		return s.finishRename(result, "", ErrMissingID, time.Now())
	}
	if len(req.Data) == 0 {
		return s.finishRename(result, "", ErrEmptyImage, time.Now())
	}

	unlock := s.locks.Lock(req.OldID)
	defer unlock()

	start := time.Now()

	contentType := req.ContentType
	oldExt := ""
	if key, ok := naming.ParseKey(req.OldID); ok {
		oldExt = key.Extension
	}
	if contentType == "" && oldExt != "" {
		contentType = naming.ContentTypeFor(oldExt)
	}

	newKey, contentType, err := s.prepareKey(req.NewName, contentType, "."+oldExt)
	if err != nil {
		return s.finishRename(result, "", err, start)
	}

	if err := s.delete(ctx, req.OldID); err != nil {
		return s.finishRename(result, newKey, fmt.Errorf("rename delete step failed: %w", err), start)
	}

	rec, err := s.put(ctx, newKey, req.Data, contentType)
	if err != nil {
		result.Outcome = RenameDeletedButUploadFailed
		return s.finishRename(result, newKey, fmt.Errorf("emoji %s was deleted but re-upload failed: %w", req.OldID, err), start)
	}

	result.Outcome = RenameFullyRenamed
	result.Record = rec
	return s.finishRename(result, rec.ID, nil, start)
}

func (s *Service) finishRename(result *RenameResult, newKey string, err error, start time.Time) (*RenameResult, error) {
	duration := time.Since(start)
	fields := logrus.Fields{
		"old_id":  result.OldID,
		"outcome": result.Outcome,
		"store":   s.storeID(),
	}

	switch {
	case err == nil:
		s.logger.WithFields(fields).WithField("new_id", newKey).Info("Renamed emoji")
	case result.Outcome == RenameDeletedButUploadFailed:
		result.Error = err.Error()
		s.logger.WithFields(fields).WithError(err).Error("Rename left emoji deleted; re-upload failed")
	default:
		result.Error = err.Error()
		s.logger.WithFields(fields).WithError(err).Warn("Rename not started")
	}

	if s.metrics != nil {
		s.metrics.RecordRenameOutcome(string(result.Outcome))
	}
	if s.audit != nil {
		auditKey := ""
		if result.Record != nil {
			auditKey = result.Record.ID
		}
		s.audit.LogRename(s.storeID(), result.OldID, auditKey, string(result.Outcome), err, duration)
	}
	return result, err
}

func (s *Service) observeStore(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordStoreOperation(op, s.backend, time.Since(start))
	if err != nil {
		s.metrics.RecordStoreError(op, s.backend, errorType(err))
	}
}

func errorType(err error) string {
	var httpErr *blobstore.HTTPError
	switch {
	case errors.Is(err, crypto.ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.As(err, &httpErr):
		return fmt.Sprintf("http_%d", httpErr.Status)
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transport"
	}
}
