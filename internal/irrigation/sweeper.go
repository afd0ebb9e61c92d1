package irrigation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/grow-logic-core/internal/audit"
	"github.com/nerrad567/grow-logic-core/internal/notify"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Expired           int `json:"expired"`
	AutoApproved      int `json:"auto_approved"`
	Requeued          int `json:"requeued"`
	FeedbackRequested int `json:"feedback_requested"`
	FeedbackTimedOut  int `json:"feedback_timed_out"`
	Skipped           int `json:"skipped"`
}

func (r SweepResult) empty() bool {
	return r == SweepResult{}
}

// RunSweeper sweeps every sweep interval until ctx is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context) error {
	interval := c.cfg.GetSweepInterval()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("irrigation sweeper started", "interval", interval.String(), "policy", c.policy.Name())
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("irrigation sweeper stopping")
			return nil
		case <-ticker.C:
			result, err := c.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.Error("irrigation sweep failed", "error", err)
			}
			if !result.empty() {
				c.logger.Info("irrigation sweep finished",
					"expired", result.Expired, "auto_approved", result.AutoApproved,
					"requeued", result.Requeued, "feedback_requested", result.FeedbackRequested,
					"feedback_timed_out", result.FeedbackTimedOut, "skipped", result.Skipped)
			}
		}
	}
}

// Sweep applies every time-based transition that is due:
//   - PENDING_APPROVAL past its deadline expires, or is approved when the
//     expiry policy says so
//   - DELAYED past its deadline returns to PENDING_APPROVAL and is re-sent
//   - FEEDBACK_PENDING past the feedback timeout completes without feedback
//   - FEEDBACK_PENDING past the feedback delay gets its feedback request
//
// A request whose lock is held by another operation is skipped until the
// next sweep.
func (c *Coordinator) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		result SweepResult
		errs   []error
	)
	now := c.clock()

	type step struct {
		status Status
		column DeadlineColumn
		cutoff time.Time
		apply  func(context.Context, *Request, time.Time, *SweepResult) error
	}
	steps := []step{
		{StatusPendingApproval, ByDecisionDeadline, now, c.sweepPending},
		{StatusDelayed, ByDecisionDeadline, now, c.sweepDelayed},
	}
	if timeout := c.cfg.GetFeedbackTimeout(); timeout > 0 {
		steps = append(steps, step{StatusFeedbackPending, ByExecutedAt, now.Add(-timeout), c.sweepFeedbackTimeout})
	}
	steps = append(steps, step{StatusFeedbackPending, ByExecutedAt, now.Add(-c.cfg.GetFeedbackDelay()), c.sweepFeedbackReminder})

	for _, st := range steps {
		due, err := c.repo.Due(ctx, st.status, st.column, st.cutoff)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, candidate := range due {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			unlock, ok := c.locks.TryLock(requestKey(candidate.ID))
			if !ok {
				result.Skipped++
				continue
			}
			err := c.sweepOne(ctx, candidate.ID, st.status, now, &result, st.apply)
			unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("request %s: %w", candidate.ID, err))
			}
		}
	}
	return result, errors.Join(errs...)
}

// sweepOne reloads the request under its lock and applies fn if it is
// still in status.
func (c *Coordinator) sweepOne(ctx context.Context, id string, status Status, now time.Time, result *SweepResult,
	fn func(context.Context, *Request, time.Time, *SweepResult) error,
) error {
	r, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != status {
		return nil
	}
	return fn(ctx, r, now, result)
}

func (c *Coordinator) sweepPending(ctx context.Context, r *Request, now time.Time, result *SweepResult) error {
	if r.DecisionDeadline.After(now) {
		return nil
	}

	if c.policy.AutoApprove(r) {
		err := c.transition(ctx, r, StatusApproved, audit.SourceSweeper, "", func(n *Request) {
			n.Resolution = ResolutionApproved
			n.ResolvedAt = &now
			n.addNote("auto-approved by " + c.policy.Name() + " policy")
		})
		if err != nil {
			return err
		}
		result.AutoApproved++
		if err := c.execute(ctx, r, audit.SourceSweeper, ""); err != nil {
			c.logger.Warn("auto-approved irrigation did not run", "request_id", r.ID, "error", err)
		}
		return nil
	}

	err := c.transition(ctx, r, StatusExpired, audit.SourceSweeper, "", func(n *Request) {
		n.Resolution = ResolutionExpired
		n.ResolvedAt = &now
	})
	if err != nil {
		return err
	}
	result.Expired++
	c.logger.Info("irrigation request expired without a decision", "request_id", r.ID, "plant_id", r.PlantID)
	c.send(ctx, r, notify.Message{
		Title:     "Irrigation request expired",
		Body:      fmt.Sprintf("No decision was made on watering plant %s; the request expired.", r.PlantID),
		Reference: r.ID,
	})
	return nil
}

func (c *Coordinator) sweepDelayed(ctx context.Context, r *Request, now time.Time, result *SweepResult) error {
	if r.DecisionDeadline.After(now) {
		return nil
	}
	if err := c.requestApproval(ctx, r, audit.SourceSweeper, ""); err != nil {
		return err
	}
	result.Requeued++
	return nil
}

func (c *Coordinator) sweepFeedbackTimeout(ctx context.Context, r *Request, now time.Time, result *SweepResult) error {
	if r.ExecutedAt == nil || now.Sub(*r.ExecutedAt) < c.cfg.GetFeedbackTimeout() {
		return nil
	}
	err := c.transition(ctx, r, StatusCompleted, audit.SourceSweeper, "", func(n *Request) {
		n.addNote("completed without feedback")
	})
	if err != nil {
		return err
	}
	result.FeedbackTimedOut++
	return nil
}

func (c *Coordinator) sweepFeedbackReminder(ctx context.Context, r *Request, now time.Time, result *SweepResult) error {
	if r.FeedbackRequestedAt != nil {
		return nil
	}
	next := r.DeepCopy()
	next.FeedbackRequestedAt = &now
	next.UpdatedAt = now
	if err := c.repo.Update(ctx, next, r.Status); err != nil {
		return err
	}
	*r = *next
	c.notifyFeedback(ctx, r)
	result.FeedbackRequested++
	return nil
}

// Recover settles requests left mid-flight by a restart. STANDBY requests
// are sent for approval. APPROVED and EXECUTING requests are cancelled,
// since whether the pump ran cannot be known and running it again risks
// over-watering. EXECUTED requests move on to feedback.
func (c *Coordinator) Recover(ctx context.Context) error {
	stuck, err := c.repo.List(ctx, Filter{
		Statuses: []Status{StatusStandby, StatusApproved, StatusExecuting, StatusExecuted},
		Limit:    1000,
	})
	if err != nil {
		return err
	}

	var errs []error
	for i := range stuck {
		r := &stuck[i]
		unlock := c.locks.Lock(requestKey(r.ID))
		if err := c.recoverOne(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("request %s: %w", r.ID, err))
		}
		unlock()
	}
	if len(stuck) > 0 {
		c.logger.Info("irrigation requests recovered", "count", len(stuck), "failed", len(errs))
	}
	return errors.Join(errs...)
}

func (c *Coordinator) recoverOne(ctx context.Context, r *Request) error {
	switch r.Status {
	case StatusStandby:
		return c.requestApproval(ctx, r, audit.SourceSystem, "")
	case StatusExecuted:
		return c.transition(ctx, r, StatusFeedbackPending, audit.SourceSystem, "", nil)
	default:
		from := r.Status
		now := c.clock()
		err := c.transition(ctx, r, StatusCancelled, audit.SourceSystem, "", func(n *Request) {
			n.Resolution = ResolutionCancelled
			n.ResolvedAt = &now
			n.addNote(fmt.Sprintf("interrupted by restart while %s; pump outcome unknown", from))
		})
		if err != nil {
			return err
		}
		c.logger.Warn("irrigation request interrupted by restart", "request_id", r.ID, "status", from)
		c.send(ctx, r, notify.Message{
			Title:     "Irrigation interrupted",
			Body:      fmt.Sprintf("Watering plant %s was interrupted by a restart; check pump %s.", r.PlantID, r.ActuatorID),
			Reference: r.ID,
		})
		return nil
	}
}
