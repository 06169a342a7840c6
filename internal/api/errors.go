package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kenneth/stossymoji/internal/blobstore"
	"github.com/kenneth/stossymoji/internal/crypto"
	"github.com/kenneth/stossymoji/internal/emoji"
)

// APIError is the JSON error body every gateway route answers with.
type APIError struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	UpstreamStatus int    `json:"upstreamStatus,omitempty"`
	RequestID      string `json:"requestId,omitempty"`
	HTTPStatus     int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WriteJSON writes the error response.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(e)
}

// withRequestID returns a copy so the shared values below stay untouched.
func (e *APIError) withRequestID(id string) *APIError {
	c := *e
	c.RequestID = id
	return &c
}

// TranslateError maps service, cipher and store errors to API errors.
func TranslateError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var tooLarge *http.MaxBytesError
	var httpErr *blobstore.HTTPError

	switch {
	case errors.Is(err, crypto.ErrInvalidCredentials):
		return &APIError{
			Code:       "InvalidCredentials",
			Message:    "Store id and token are required.",
			HTTPStatus: http.StatusUnauthorized,
		}
	case errors.Is(err, crypto.ErrInvalidCiphertext):
		return &APIError{
			Code:       "InvalidCiphertext",
			Message:    "The encrypted name could not be decrypted with these credentials.",
			HTTPStatus: http.StatusUnprocessableEntity,
		}
	case errors.Is(err, crypto.ErrEncoding):
		return &APIError{
			Code:       "EncodingError",
			Message:    "The emoji name is not valid UTF-8.",
			HTTPStatus: http.StatusBadRequest,
		}
	case errors.Is(err, emoji.ErrEmptyImage), errors.Is(err, emoji.ErrMissingID):
		return &APIError{
			Code:       "InvalidArgument",
			Message:    err.Error(),
			HTTPStatus: http.StatusBadRequest,
		}
	case errors.As(err, &tooLarge):
		return &APIError{
			Code:       "EntityTooLarge",
			Message:    fmt.Sprintf("Request body exceeds %d bytes.", tooLarge.Limit),
			HTTPStatus: http.StatusRequestEntityTooLarge,
		}
	case errors.As(err, &httpErr):
		return &APIError{
			Code:           "UpstreamError",
			Message:        fmt.Sprintf("The blob store rejected the %s request.", httpErr.Op),
			UpstreamStatus: httpErr.Status,
			HTTPStatus:     http.StatusBadGateway,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{
			Code:       "Timeout",
			Message:    "The blob store did not answer in time.",
			HTTPStatus: http.StatusGatewayTimeout,
		}
	}

	return &APIError{
		Code:       "InternalError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Predefined request errors
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "Invalid Request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidLimit = &APIError{
		Code:       "InvalidArgument",
		Message:    "limit must be a positive integer.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidNativeID = &APIError{
		Code:       "InvalidArgument",
		Message:    "The native emoji id must be numeric.",
		HTTPStatus: http.StatusBadRequest,
	}
)
