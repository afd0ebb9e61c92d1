package calibration

import (
	"fmt"

	"github.com/nerrad567/grow-logic-core/internal/errkind"
)

// Domain errors for the calibration package.
var (
	// ErrNotFound is returned when an actuator has no stored calibration.
	ErrNotFound = fmt.Errorf("%w: pump calibration", errkind.ErrNotFound)

	// ErrUnknownActuator is returned for actuators missing from the inventory.
	ErrUnknownActuator = fmt.Errorf("%w: calibration: unknown actuator", errkind.ErrNotFound)

	// ErrSessionOpen is returned when starting a session while one is open.
	ErrSessionOpen = fmt.Errorf("%w: calibration: a session is already open for this actuator", errkind.ErrConflict)

	// ErrNoSession is returned when completing without an open session.
	ErrNoSession = fmt.Errorf("%w: calibration: no open session", errkind.ErrInvalidState)

	// ErrSessionExpired is returned when completing a session past its deadline.
	ErrSessionExpired = fmt.Errorf("%w: calibration: session expired", errkind.ErrInvalidState)

	// ErrImplausible is returned for a measurement that cannot be right.
	ErrImplausible = fmt.Errorf("%w: calibration: implausible measurement", errkind.ErrValidation)

	// ErrInvalidDuration is returned for a non-positive or oversized run.
	ErrInvalidDuration = fmt.Errorf("%w: calibration: invalid duration", errkind.ErrValidation)

	// ErrInvalidFeedback is returned for an unknown feedback value or step.
	ErrInvalidFeedback = fmt.Errorf("%w: calibration: invalid feedback", errkind.ErrValidation)
)
