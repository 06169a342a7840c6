package api

import (
	"net/http"
	"strings"

	"github.com/kenneth/stossymoji/internal/crypto"
	"github.com/kenneth/stossymoji/internal/middleware"
)

// StoreTokenHeader is accepted in place of a bearer Authorization header.
const StoreTokenHeader = "X-Store-Token"

// ExtractCredentials reads client-supplied store credentials from the
// X-Store-Id header and either an "Authorization: Bearer" or X-Store-Token
// header. ok is false unless both parts are present.
func ExtractCredentials(r *http.Request) (creds crypto.Credentials, ok bool) {
	storeID := r.Header.Get(middleware.StoreIDHeader)

	token := r.Header.Get(StoreTokenHeader)
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, value, found := strings.Cut(auth, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			token = value
		}
	}

	creds = crypto.NewCredentials(storeID, token)
	return creds, creds.Validate() == nil
}

// HasCredentials checks if the request carries any credential header.
func HasCredentials(r *http.Request) bool {
	return r.Header.Get(middleware.StoreIDHeader) != "" ||
		r.Header.Get(StoreTokenHeader) != "" ||
		r.Header.Get("Authorization") != ""
}
