// Package errs defines the stable error taxonomy raised and reported by
// the session engine. Every user-invoked entry point raises one of these;
// every internal handler wraps its failure into one before reporting it
// through the error slot instead of letting it escape across the executor
// boundary.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable identifier for a class of engine failure.
type Kind string

const (
	// KindRoomNotSelected means an operation that requires joinRoom/createRoom
	// was called before either of those succeeded.
	KindRoomNotSelected Kind = "ROOM_NOT_SELECTED"
	// KindRoomNotFound means the store has no record for the given room id.
	KindRoomNotFound Kind = "ROOM_NOT_FOUND"
	// KindAuthRequired means the store rejected a call for missing credentials.
	KindAuthRequired Kind = "AUTH_REQUIRED"
	// KindDBUnavailable means a store call failed transiently.
	KindDBUnavailable Kind = "DB_UNAVAILABLE"
	// KindSignalTimeout means an expected signaling event never arrived.
	KindSignalTimeout Kind = "SIGNAL_TIMEOUT"
	// KindWaitReadyTimeout means the peer/channels did not reach ready state
	// within the requested timeout.
	KindWaitReadyTimeout Kind = "WAIT_READY_TIMEOUT"
	// KindSignalingFailed means a negotiation step (SDP, ICE add, rollback)
	// failed.
	KindSignalingFailed Kind = "SIGNALING_FAILED"
	// KindInvalidState means an operation was called out of order.
	KindInvalidState Kind = "INVALID_STATE"
	// KindUnknown is the catch-all classification.
	KindUnknown Kind = "UNKNOWN"
)

// Phase tags which subsystem an error originated from, for observability.
type Phase string

const (
	PhaseRoom        Phase = "room"
	PhaseSignaling   Phase = "signaling"
	PhaseNegotiation Phase = "negotiation"
	PhaseReconnect   Phase = "reconnect"
	PhaseTransport   Phase = "transport"
	PhaseLifecycle   Phase = "lifecycle"
)

// retriable records, per Kind, whether the condition is expected to clear
// on its own if the caller retries the same operation.
var retriable = map[Kind]bool{
	KindRoomNotSelected:  false,
	KindRoomNotFound:     false,
	KindAuthRequired:     false,
	KindDBUnavailable:    true,
	KindSignalTimeout:    true,
	KindWaitReadyTimeout: true,
	KindSignalingFailed:  true,
	KindInvalidState:     false,
	KindUnknown:          false,
}

// Error is the concrete error type raised by the engine. It carries a
// stable Kind, a Phase tag, a Retriable flag, an optional set of detail
// fields (e.g. {"timeoutMs": 1}) and an optional wrapped cause.
type Error struct {
	Kind      Kind
	Phase     Phase
	Retriable bool
	Details   map[string]any
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Phase, e.Cause)
	}
	return fmt.Sprintf("%s (%s)", e.Kind, e.Phase)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, errs.New(KindX, ...)) by comparing Kind only,
// so callers can write errors.Is(err, errs.Sentinel(KindRoomNotFound)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == "" {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel returns a bare *Error carrying only a Kind, suitable as the
// target of errors.Is.
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}

// New builds an *Error of the given kind and phase, wrapping cause if set.
func New(kind Kind, phase Phase, cause error) *Error {
	return &Error{
		Kind:      kind,
		Phase:     phase,
		Retriable: retriable[kind],
		Cause:     cause,
	}
}

// WithDetails attaches detail fields and returns the receiver for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Wrap classifies an arbitrary error into the taxonomy. If err is already
// an *Error it is returned unchanged. Otherwise it is classified by
// inspecting the message for well-known substrings (mirroring how the
// teacher's signaling client classifies a bare net/http failure via
// isHTTP401) and falls back to KindUnknown.
func Wrap(err error, phase Phase) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	return New(classify(err), phase, err)
}

// classify maps a generic Go error to the closest taxonomy Kind by
// substring inspection of its message. This is intentionally narrow: it
// only recognizes the handful of native-error shapes the store/transport
// layer is documented to produce (see toError in spec.md §8).
func classify(err error) Kind {
	msg := err.Error()
	switch {
	case containsAny(msg, "auth required", "unauthorized", "401"):
		return KindAuthRequired
	case containsAny(msg, "not found", "no such room"):
		return KindRoomNotFound
	case containsAny(msg, "unavailable", "timeout", "timed out", "connection refused", "eof"):
		return KindDBUnavailable
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if containsFold(s, sub) {
			return true
		}
	}
	return false
}

// containsFold is a tiny case-insensitive substring check, avoiding a
// strings.ToLower allocation on the hot classification path for short
// error strings.
func containsFold(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	n, m := len(s), len(sub)
	for i := 0; i+m <= n; i++ {
		match := true
		for j := 0; j < m; j++ {
			a, b := s[i+j], sub[j]
			if 'A' <= a && a <= 'Z' {
				a += 'a' - 'A'
			}
			if 'A' <= b && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
