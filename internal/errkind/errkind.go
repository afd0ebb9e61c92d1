// Package errkind defines the error kinds shared by every domain package.
//
// Domain sentinels wrap exactly one kind so callers (the API layer, the
// coordinator's retry loop) can branch with errors.Is without knowing the
// concrete sentinel:
//
//	var ErrInvalidWindow = fmt.Errorf("%w: schedule: invalid time window", errkind.ErrValidation)
//
//	if errors.Is(err, errkind.ErrValidation) { ... }
package errkind

import "errors"

var (
	// ErrValidation marks input rejected synchronously and never persisted.
	ErrValidation = errors.New("validation error")

	// ErrConflict marks a request that collides with existing state, such as a
	// second open irrigation request or calibration session.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState marks a transition attempted from a state that does not
	// allow it, including any transition out of a terminal state.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound marks a lookup of an entity that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDriver marks an actuator driver failure.
	ErrDriver = errors.New("driver error")

	// ErrTransport marks a notification that could not be delivered.
	ErrTransport = errors.New("transport error")

	// ErrTimeout marks a collaborator call that exceeded its bound.
	ErrTimeout = errors.New("timeout")
)

// Of returns the kind err wraps, or nil when it wraps none.
func Of(err error) error {
	for _, kind := range []error{
		ErrValidation, ErrConflict, ErrInvalidState, ErrNotFound,
		ErrDriver, ErrTransport, ErrTimeout,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
