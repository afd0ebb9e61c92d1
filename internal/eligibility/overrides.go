package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/grow-logic-core/internal/audit"
	"github.com/nerrad567/grow-logic-core/internal/schedule"
)

// SetOverride forces a pair on or off until expiresAt, or indefinitely when
// expiresAt is nil. It replaces any existing override for the pair and takes
// effect on the next tick.
func (e *Evaluator) SetOverride(ctx context.Context, o *Override) error {
	now := e.now().UTC().Truncate(time.Microsecond)
	if o.UnitID == "" {
		return fmt.Errorf("%w: unit_id is required", ErrInvalidOverride)
	}
	if !o.DeviceType.Valid() {
		return fmt.Errorf("%w: unknown device_type %q", ErrInvalidOverride, o.DeviceType)
	}
	if o.ExpiresAt != nil {
		if !o.ExpiresAt.After(now) {
			return fmt.Errorf("%w: expires_at must be in the future", ErrInvalidOverride)
		}
		exp := o.ExpiresAt.UTC().Truncate(time.Microsecond)
		o.ExpiresAt = &exp
	}
	o.CreatedAt = now

	if err := e.repo.SetOverride(ctx, o); err != nil {
		return err
	}
	e.recordOverride(ctx, "override_set", o, audit.SourceAPI, o.SetBy)
	e.logger.Info("manual override set", "pair", o.Pair().String(), "state", o.State, "expires_at", o.ExpiresAt)
	return nil
}

// ClearOverride removes the pair's override.
func (e *Evaluator) ClearOverride(ctx context.Context, unitID string, deviceType schedule.DeviceType, userID string) error {
	pair := schedule.Pair{UnitID: unitID, DeviceType: deviceType}
	o, err := e.repo.GetOverride(ctx, pair)
	if err != nil {
		return err
	}
	if err := e.repo.ClearOverride(ctx, pair); err != nil {
		return err
	}
	e.recordOverride(ctx, "override_cleared", o, audit.SourceAPI, userID)
	e.logger.Info("manual override cleared", "pair", pair.String())
	return nil
}

// ListOverrides returns the overrides still in force.
func (e *Evaluator) ListOverrides(ctx context.Context) ([]Override, error) {
	all, err := e.repo.ListOverrides(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	active := all[:0]
	for _, o := range all {
		if o.ActiveAt(now) {
			active = append(active, o)
		}
	}
	return active, nil
}

// GetOverride returns the pair's override if one is in force.
func (e *Evaluator) GetOverride(ctx context.Context, unitID string, deviceType schedule.DeviceType) (*Override, error) {
	o, err := e.repo.GetOverride(ctx, schedule.Pair{UnitID: unitID, DeviceType: deviceType})
	if err != nil {
		return nil, err
	}
	if !o.ActiveAt(e.now()) {
		return nil, ErrNoOverride
	}
	return o, nil
}

func (e *Evaluator) recordOverride(ctx context.Context, action string, o *Override, source, userID string) {
	details := map[string]any{
		"unit_id":     o.UnitID,
		"device_type": string(o.DeviceType),
		"state":       o.State,
	}
	if o.Reason != "" {
		details["reason"] = o.Reason
	}
	if o.ExpiresAt != nil {
		details["expires_at"] = o.ExpiresAt.Format(time.RFC3339)
	}
	err := e.audit.Create(ctx, &audit.AuditLog{
		Action:     action,
		EntityType: audit.EntityOverride,
		EntityID:   o.Pair().String(),
		UserID:     userID,
		Source:     source,
		Details:    details,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("failed to write audit log", "action", action, "pair", o.Pair().String(), "error", err)
	}
}
