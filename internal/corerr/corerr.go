// Package corerr defines the error taxonomy shared by every component of
// the daemon (spec §7). Callers branch on Kind via errors.As, the same way
// the teacher's auth package exposed sentinel errors for its narrower
// set of failure modes.
package corerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the purposes of recovery and wire mapping.
type Kind int

const (
	// Authorization means a confinement check rejected the request.
	// Recoverable at the caller; never crashes the core.
	Authorization Kind = iota
	// NotFound means a lookup (session, track, move target) failed.
	NotFound
	// BackendUnavailable means the Engine refused or did not respond.
	BackendUnavailable
	// PreconditionFailed means the operation is not valid in the engine's
	// current capabilities, e.g. CreateVideoSink on an audio-only engine.
	PreconditionFailed
	// Transient means a recoverable, self-resolving condition such as
	// buffering.
	Transient
	// Fatal means an invariant would otherwise be violated. It is logged
	// and the owning session is abandoned, never the whole process.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Authorization:
		return "Authorization"
	case NotFound:
		return "NotFound"
	case BackendUnavailable:
		return "BackendUnavailable"
	case PreconditionFailed:
		return "PreconditionFailed"
	case Transient:
		return "Transient"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error is the structured error type every package in this repository
// returns for anything beyond a plain wrapped stdlib error.
type Error struct {
	Kind    Kind
	Reason  string
	Percent int // only meaningful for Kind == Transient
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any target *Error of the same Kind, so
// errors.Is(err, corerr.New(corerr.NotFound, "")) holds for every NotFound error.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

func NotFoundf(entity, id string) *Error {
	return New(NotFound, fmt.Sprintf("%s %q not found", entity, id))
}

func Authorizationf(reason string) *Error {
	return New(Authorization, reason)
}

func Transientf(percent int, reason string) *Error {
	return &Error{Kind: Transient, Reason: reason, Percent: percent}
}

// WireCode maps a Kind+context onto the §6 wire error taxonomy string.
// Most wire codes are operation-specific (e.g. FailedToMoveTrack) so the
// caller supplies the operation; an error with no operation-specific wire
// name is reported under its Kind's name.
func (e *Error) WireCode(op string) string {
	switch {
	case e.Kind == Authorization && op == "OpenUri":
		return "InsufficientAppArmorPermissions"
	case e.Kind == Authorization && op == "AddTrack":
		return "InsufficientPermissionsToAddTrack"
	case e.Kind == PreconditionFailed && op == "CreateVideoSink":
		return "OutOfProcessBufferStreamingNotSupported"
	case e.Kind == NotFound && op == "OpenUri":
		return "UriNotFound"
	case e.Kind == NotFound && op == "PlayerKey":
		return "PlayerKeyNotFound"
	case e.Kind == NotFound && op == "MoveTrackSource":
		return "FailedToFindMoveTrackSource"
	case e.Kind == NotFound && op == "MoveTrackDest":
		return "FailedToFindMoveTrackDest"
	case e.Kind == NotFound && op == "MoveTrack":
		return "FailedToMoveTrack"
	case e.Kind == NotFound:
		return "TrackNotFound"
	case op == "CreateSession":
		return "CreatingSession"
	case op == "DetachSession":
		return "DetachingSession"
	case op == "ReattachSession":
		return "ReattachingSession"
	case op == "DestroySession":
		return "DestroyingSession"
	default:
		return e.Kind.String()
	}
}

// As is a small convenience so callers don't have to spell out errors.As.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
