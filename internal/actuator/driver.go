// Package actuator switches pumps, lights, and fans through their gateways.
//
// Commands are published to growlogic/command/{protocol}/{actuator_id}.
// When acknowledgements are required the driver waits for the gateway's
// reply on growlogic/ack/{protocol}/{actuator_id}, matched by command id,
// until the caller's context expires. Every failure is a *DriverError.
package actuator

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/grow-logic-core/internal/errkind"
)

// Driver is the actuator collaborator used by the eligibility evaluator
// and the irrigation coordinator.
type Driver interface {
	// Activate runs the actuator for durationS seconds.
	Activate(ctx context.Context, actuatorID string, durationS float64) error

	// SetState switches the actuator on or off until told otherwise.
	SetState(ctx context.Context, actuatorID string, on bool) error
}

// DriverError reports a failed actuator command.
type DriverError struct {
	ActuatorID string
	Reason     string
	Timeout    bool
	Err        error
}

// Error implements error.
func (e *DriverError) Error() string {
	msg := fmt.Sprintf("actuator %s: %s", e.ActuatorID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the error kinds and the underlying cause.
func (e *DriverError) Unwrap() []error {
	errs := []error{errkind.ErrDriver}
	if e.Timeout {
		errs = append(errs, errkind.ErrTimeout)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ErrUnknownActuator is returned for commands to an actuator that is not
// in the inventory.
var ErrUnknownActuator = errors.New("unknown actuator")

// failure builds a DriverError from err, marking deadline errors as timeouts.
func failure(actuatorID, reason string, err error) *DriverError {
	return &DriverError{
		ActuatorID: actuatorID,
		Reason:     reason,
		Timeout:    errors.Is(err, context.DeadlineExceeded),
		Err:        err,
	}
}
