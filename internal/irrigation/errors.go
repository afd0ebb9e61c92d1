package irrigation

import (
	"fmt"

	"github.com/nerrad567/grow-logic-core/internal/errkind"
)

// Domain errors for the irrigation package.
var (
	// ErrNotFound is returned when a request does not exist.
	ErrNotFound = fmt.Errorf("%w: irrigation request", errkind.ErrNotFound)

	// ErrOpenRequest is returned when the plant and pump already have an
	// open request.
	ErrOpenRequest = fmt.Errorf("%w: irrigation: an open request already exists for this plant and pump", errkind.ErrConflict)

	// ErrInvalidTransition is returned when the request's state does not
	// allow the operation.
	ErrInvalidTransition = fmt.Errorf("%w: irrigation: transition not allowed", errkind.ErrInvalidState)

	// ErrTerminal is returned for any operation on a completed, cancelled,
	// or expired request.
	ErrTerminal = fmt.Errorf("%w: irrigation: request is in a terminal state", errkind.ErrInvalidState)

	// ErrStaleState is returned when the stored status changed under the caller.
	ErrStaleState = fmt.Errorf("%w: irrigation: request state changed concurrently", errkind.ErrConflict)

	// ErrMaxDelays is returned when a request has been delayed the maximum
	// number of times.
	ErrMaxDelays = fmt.Errorf("%w: irrigation: maximum delays reached", errkind.ErrInvalidState)

	// ErrInvalidDelay is returned for a negative or oversized delay.
	ErrInvalidDelay = fmt.Errorf("%w: irrigation: invalid delay", errkind.ErrValidation)

	// ErrInvalidFeedback is returned for an unknown feedback value.
	ErrInvalidFeedback = fmt.Errorf("%w: irrigation: feedback must be TOO_LITTLE, JUST_RIGHT, or TOO_MUCH", errkind.ErrValidation)

	// ErrUnknownActuator is returned when the pump is not in the unit registry.
	ErrUnknownActuator = fmt.Errorf("%w: irrigation: unknown pump", errkind.ErrNotFound)

	// ErrInvalidCallback is returned for a callback id the coordinator
	// cannot parse.
	ErrInvalidCallback = fmt.Errorf("%w: irrigation: malformed callback id", errkind.ErrValidation)

	// ErrNoFlowRate is returned when a pump's calibration cannot size a dose.
	ErrNoFlowRate = fmt.Errorf("%w: irrigation: pump has no usable flow rate", errkind.ErrValidation)
)
