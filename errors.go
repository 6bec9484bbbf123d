package cfddns

import (
	"context"
	"errors"
	"fmt"
)

// ResolutionError means no address-discovery provider produced a usable address.
type ResolutionError struct {
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("public IP resolution failed: %s", e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// PersistenceError means the cache or history storage could not be read or written.
type PersistenceError struct {
	Op   string // "read", "write" or "append"
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// APIErrorKind classifies zone API failures.
type APIErrorKind int

const (
	KindNetwork APIErrorKind = iota
	KindNotFound
	KindUnauthorized
	KindRateLimited
	KindRejected // any other client error, e.g. invalid content
)

func (k APIErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate limited"
	case KindRejected:
		return "rejected"
	}
	return "network error"
}

// APIError is a failed zone API call.
type APIError struct {
	Kind APIErrorKind
	Op   string
	Err  error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// apiErrorKind returns the kind of err, treating anything that is not an *APIError
// (timeouts included) as a network error.
func apiErrorKind(err error) APIErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindNetwork
}

// IsTimeout reports whether err was caused by an expired deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
