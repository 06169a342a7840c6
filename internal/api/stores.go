package api

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/stossymoji/internal/blobstore"
	"github.com/kenneth/stossymoji/internal/config"
	"github.com/kenneth/stossymoji/internal/crypto"
)

// StoreFactory opens the blob store a request runs against.
type StoreFactory func(cfg *config.Config, creds crypto.Credentials) (blobstore.Store, error)

// NewStoreFactory returns a factory for the configured backend. HTTP stores
// authenticate with the request's credentials and are built per request.
// The S3 backend authenticates with its own keys, so s3Store is shared.
func NewStoreFactory(s3Store blobstore.Store, logger *logrus.Logger) StoreFactory {
	return func(cfg *config.Config, creds crypto.Credentials) (blobstore.Store, error) {
		switch cfg.Store.Backend {
		case config.BackendS3:
			if s3Store == nil {
				return nil, fmt.Errorf("s3 backend selected but no S3 store is configured")
			}
			return s3Store, nil
		case config.BackendHTTP, "":
			return blobstore.NewHTTPStore(cfg.Store, creds, blobstore.WithLogger(logger))
		default:
			return nil, fmt.Errorf("unsupported store backend: %q", cfg.Store.Backend)
		}
	}
}
