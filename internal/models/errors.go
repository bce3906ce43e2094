package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a load or upload failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindNetwork
	KindServer
	KindMalformed
	KindImmutableRef
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindNetwork:
		return "network_error"
	case KindServer:
		return "server_error"
	case KindMalformed:
		return "malformed"
	case KindImmutableRef:
		return "immutable_ref"
	default:
		return "unknown"
	}
}

// Sentinel errors, one per kind. errors.Is matches any *BlobError of the same kind.
var (
	ErrNotFound     = &BlobError{Kind: KindNotFound}
	ErrNetwork      = &BlobError{Kind: KindNetwork}
	ErrServer       = &BlobError{Kind: KindServer}
	ErrMalformed    = &BlobError{Kind: KindMalformed}
	ErrImmutableRef = &BlobError{Kind: KindImmutableRef}
)

// BlobError is the classified error surfaced by the fetcher and the upload gate.
type BlobError struct {
	Kind   ErrorKind
	Op     string
	Status int // HTTP status, 0 if no response was received
	Err    error
}

func (e *BlobError) Error() string {
	msg := e.Kind.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BlobError) Unwrap() error { return e.Err }

// Is matches on kind so callers can write errors.Is(err, models.ErrNotFound).
func (e *BlobError) Is(target error) bool {
	t, ok := target.(*BlobError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil && t.Status == 0
}

// Retryable reports whether trying the same request again may succeed.
func (e *BlobError) Retryable() bool {
	switch e.Kind {
	case KindNetwork:
		return true
	case KindServer:
		return e.Status == 0 || e.Status >= 500 || e.Status == http.StatusTooManyRequests
	default:
		return false
	}
}

// KindOf extracts the ErrorKind from err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var be *BlobError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a retryable *BlobError.
func IsRetryable(err error) bool {
	var be *BlobError
	return errors.As(err, &be) && be.Retryable()
}
