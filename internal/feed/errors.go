package feed

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pders01/flum/internal/validation"
)

// ErrorKind distinguishes failure causes internally; users only ever see
// the short message.
type ErrorKind int

const (
	KindInvalidURL ErrorKind = iota
	KindAccessDenied
	KindTimeout
	KindTooLarge
	KindConnection
	KindHTTPStatus
	KindNotAFeed
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidURL:
		return "invalid-url"
	case KindAccessDenied:
		return "access-denied"
	case KindTimeout:
		return "timeout"
	case KindTooLarge:
		return "too-large"
	case KindConnection:
		return "connection"
	case KindHTTPStatus:
		return "http-status"
	case KindNotAFeed:
		return "not-a-feed"
	default:
		return "unknown"
	}
}

var (
	ErrAccessDenied = errors.New("access denied")
	ErrTimeout      = errors.New("request timed out")
	ErrTooLarge     = errors.New("response too large")
	ErrNotAFeed     = errors.New("not a valid feed")
)

// FetchError is the only error type returned by Fetcher. Error() is safe
// to show to end users.
type FetchError struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *FetchError) Error() string { return e.Message }

func (e *FetchError) Unwrap() error { return e.Err }

// Is lets callers match on the kind sentinels.
func (e *FetchError) Is(target error) bool {
	switch target {
	case ErrAccessDenied:
		return e.Kind == KindAccessDenied
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrTooLarge:
		return e.Kind == KindTooLarge
	case ErrNotAFeed:
		return e.Kind == KindNotAFeed
	}
	return false
}

const (
	msgTimeout    = "the connection timed out"
	msgTooLarge   = "the response is too large"
	msgConnection = "could not connect"
	msgNotAFeed   = "not a valid RSS/Atom feed"
)

func validationFailure(err error) *FetchError {
	kind := KindInvalidURL
	var verr *validation.ValidationError
	if errors.As(err, &verr) && verr.Reason != validation.ReasonMalformed && verr.Reason != validation.ReasonScheme {
		kind = KindAccessDenied
	}
	return &FetchError{Kind: kind, Message: err.Error(), Err: err}
}

func statusFailure(code int) *FetchError {
	return &FetchError{
		Kind:    KindHTTPStatus,
		Status:  code,
		Message: fmt.Sprintf("the server returned an error (HTTP %d)", code),
	}
}

func notAFeed(err error) *FetchError {
	return &FetchError{Kind: KindNotAFeed, Message: msgNotAFeed, Err: err}
}

// transportFailure classifies network errors into timeout, oversize or a
// generic connection failure.
func transportFailure(err error) *FetchError {
	switch {
	case errors.Is(err, ErrTooLarge):
		return &FetchError{Kind: KindTooLarge, Message: msgTooLarge, Err: err}
	case errors.Is(err, validation.ErrPrivateAddress):
		return &FetchError{Kind: KindAccessDenied, Message: validation.MsgAccessDenied, Err: err}
	case isTimeout(err):
		return &FetchError{Kind: KindTimeout, Message: msgTimeout, Err: err}
	default:
		var verr *validation.ValidationError
		if errors.As(err, &verr) {
			return validationFailure(verr)
		}
		return &FetchError{Kind: KindConnection, Message: msgConnection, Err: err}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
