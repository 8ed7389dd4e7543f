package cmn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the stable status/error vocabulary returned across the public
// API surface and recorded on FileProgress records. Values are never
// renumbered; callers (and tests) match on them by name.
type Kind int

const (
	Ok Kind = iota

	AsyncScheduled
	AsyncRejected

	FinalizationInProgress

	RequestNotFound
	RequestFailed

	RemoteNotConfigured
	RemoteUnreachable
	RemoteConnectionFailed

	AdapterNotConfigured
	ObjectDoesNotExist

	LocalFileOpFailure

	CacheObjectNotFound
	CacheObjectForbidden
	CacheObjectIncompatible
	CacheObjectUnderFinalization

	InconsistentData
	NotSupported

	MissedRemotely
	Canceled
	RemoteIoError
	GeneralFailure
)

var kindNames = map[Kind]string{
	Ok:                            "Ok",
	AsyncScheduled:                "AsyncScheduled",
	AsyncRejected:                 "AsyncRejected",
	FinalizationInProgress:        "FinalizationInProgress",
	RequestNotFound:               "RequestNotFound",
	RequestFailed:                 "RequestFailed",
	RemoteNotConfigured:           "RemoteNotConfigured",
	RemoteUnreachable:             "RemoteUnreachable",
	RemoteConnectionFailed:        "RemoteConnectionFailed",
	AdapterNotConfigured:          "AdapterNotConfigured",
	ObjectDoesNotExist:            "ObjectDoesNotExist",
	LocalFileOpFailure:            "LocalFileOpFailure",
	CacheObjectNotFound:           "CacheObjectNotFound",
	CacheObjectForbidden:          "CacheObjectForbidden",
	CacheObjectIncompatible:       "CacheObjectIncompatible",
	CacheObjectUnderFinalization:  "CacheObjectUnderFinalization",
	InconsistentData:              "InconsistentData",
	NotSupported:                  "NotSupported",
	MissedRemotely:                "MissedRemotely",
	Canceled:                      "Canceled",
	RemoteIoError:                 "RemoteIoError",
	GeneralFailure:                "GeneralFailure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Status is the single result type carrying a Kind plus an optional wrapped
// cause. No exceptions escape the public API; every fallible operation
// returns one of these (or nil for Ok).
type Status struct {
	Kind  Kind
	Cause error
}

func (s *Status) Error() string {
	if s == nil {
		return Ok.String()
	}
	if s.Cause != nil {
		return fmt.Sprintf("%s: %v", s.Kind, s.Cause)
	}
	return s.Kind.String()
}

// Unwrap lets errors.Is/errors.As reach the wrapped cause.
func (s *Status) Unwrap() error {
	if s == nil {
		return nil
	}
	return s.Cause
}

// NewStatus builds a Status, wrapping cause with errors.WithStack so the
// original call site's stack is preserved for logging.
func NewStatus(kind Kind, cause error) *Status {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Status{Kind: kind, Cause: cause}
}

// Is reports whether err is a *Status of the given kind.
func Is(err error, kind Kind) bool {
	st, ok := err.(*Status)
	return ok && st != nil && st.Kind == kind
}
