package schedule

import (
	"fmt"

	"github.com/nerrad567/grow-logic-core/internal/errkind"
)

// Domain errors for the schedule package.
//
//	if errors.Is(err, schedule.ErrNotFound) {
//	    // handle not found case
//	}
var (
	// ErrNotFound is returned when a schedule ID does not exist.
	ErrNotFound = fmt.Errorf("%w: schedule", errkind.ErrNotFound)

	// ErrExists is returned when creating a schedule whose ID is taken.
	ErrExists = fmt.Errorf("%w: schedule: already exists", errkind.ErrConflict)

	// ErrInvalid is returned when a schedule fails validation.
	ErrInvalid = fmt.Errorf("%w: schedule", errkind.ErrValidation)

	// ErrInvalidWindow is returned for time windows that cannot be
	// interpreted, such as an end at or before the start without wraparound.
	ErrInvalidWindow = fmt.Errorf("%w: schedule: invalid time window", errkind.ErrValidation)

	// ErrInUse is returned when deleting a schedule an open irrigation
	// request still references. The schedule is disabled instead.
	ErrInUse = fmt.Errorf("%w: schedule: referenced by an open irrigation request, disabled instead", errkind.ErrConflict)
)
