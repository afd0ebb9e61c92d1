package irrigation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nerrad567/grow-logic-core/internal/actuator"
	"github.com/nerrad567/grow-logic-core/internal/audit"
	"github.com/nerrad567/grow-logic-core/internal/calibration"
	"github.com/nerrad567/grow-logic-core/internal/notify"
)

// maxDelayMinutes bounds a single delay to one day.
const maxDelayMinutes = 24 * 60

// Callback actions.
const (
	ActionApprove  = "approve"
	ActionDelay    = "delay"
	ActionCancel   = "cancel"
	ActionFeedback = "feedback"
)

// CallbackID builds the id a notification action sends back, e.g.
// "irrigation:<id>:approve" or "irrigation:<id>:feedback:TOO_MUCH".
func CallbackID(requestID, action string, arg ...string) string {
	return strings.Join(append([]string{"irrigation", requestID, action}, arg...), ":")
}

// Approve approves a pending request and runs the pump. A driver failure
// that outlasts the retries cancels the request and is returned wrapped
// alongside it.
func (c *Coordinator) Approve(ctx context.Context, id, userID string) (*Request, error) {
	return c.approve(ctx, id, audit.SourceAPI, userID)
}

func (c *Coordinator) approve(ctx context.Context, id, source, userID string) (*Request, error) {
	unlock := c.locks.Lock(requestKey(id))
	defer unlock()

	r, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPendingApproval {
		return nil, stateError(r, "approve")
	}

	now := c.clock()
	err = c.transition(ctx, r, StatusApproved, source, userID, func(n *Request) {
		n.Resolution = ResolutionApproved
		n.ResolvedAt = &now
	})
	if err != nil {
		return nil, err
	}
	if err := c.execute(ctx, r, source, userID); err != nil {
		return r, err
	}
	return r, nil
}

// execute runs the pump for an APPROVED request. Once started neither the
// driver attempts nor the backoff between them are interrupted by ctx; each
// attempt is bounded by the driver timeout. The caller holds the request
// lock.
func (c *Coordinator) execute(ctx context.Context, r *Request, source, userID string) error {
	persist := context.WithoutCancel(ctx)
	if err := c.transition(persist, r, StatusExecuting, source, userID, nil); err != nil {
		return err
	}

	timeout := c.cfg.GetDriverTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backoff := c.cfg.GetRetryBackoff()
	maxAttempts := 1 + max(c.cfg.DriverRetries, 0)

	var (
		lastErr  error
		attempts int
	)
	for attempts < maxAttempts {
		if attempts > 0 {
			c.logger.Warn("retrying irrigation driver command",
				"request_id", r.ID, "actuator_id", r.ActuatorID, "attempt", attempts+1, "backoff", backoff.String())
			if err := c.sleep(persist, backoff); err != nil {
				lastErr = fmt.Errorf("retry interrupted: %w", err)
				break
			}
			backoff *= 2
		}

		attempts++
		dctx, cancel := context.WithTimeout(persist, timeout)
		lastErr = c.driver.Activate(dctx, r.ActuatorID, r.RequestedDurationS)
		cancel()
		if lastErr == nil {
			break
		}
		c.logger.Warn("irrigation driver command failed",
			"request_id", r.ID, "actuator_id", r.ActuatorID, "attempt", attempts, "error", lastErr)
	}

	if lastErr != nil {
		return c.failExecution(persist, r, attempts, lastErr, source, userID)
	}

	executedAt := c.clock()
	err := c.transition(persist, r, StatusExecuted, source, userID, func(n *Request) {
		n.ExecutedAt = &executedAt
		n.Attempts = attempts
	})
	if err != nil {
		return err
	}
	if c.recorder != nil {
		c.recorder.WriteIrrigation(r.ActuatorID, r.PlantID, r.RequestedVolumeML, r.RequestedDurationS, executedAt)
	}
	return c.transition(persist, r, StatusFeedbackPending, source, userID, nil)
}

func (c *Coordinator) failExecution(ctx context.Context, r *Request, attempts int, cause error, source, userID string) error {
	note := fmt.Sprintf("driver failure after %d attempt(s): %s", attempts, failureReason(cause))
	now := c.clock()
	err := c.transition(ctx, r, StatusCancelled, source, userID, func(n *Request) {
		n.Attempts = attempts
		n.Resolution = ResolutionCancelled
		n.ResolvedAt = &now
		n.addNote(note)
	})
	if err != nil {
		return errors.Join(cause, err)
	}
	c.logger.Error("irrigation request cancelled after driver failure",
		"request_id", r.ID, "actuator_id", r.ActuatorID, "attempts", attempts, "error", cause)
	c.send(ctx, r, notify.Message{
		Title:     "Irrigation failed",
		Body:      fmt.Sprintf("Pump %s did not run for plant %s: %s.", r.ActuatorID, r.PlantID, note),
		Reference: r.ID,
	})
	return fmt.Errorf("irrigation request %s cancelled: %w", r.ID, cause)
}

func failureReason(err error) string {
	var de *actuator.DriverError
	if errors.As(err, &de) {
		return de.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}

// Delay postpones the decision on a pending request by minutes, or by the
// configured default when minutes is zero.
func (c *Coordinator) Delay(ctx context.Context, id string, minutes int, userID string) (*Request, error) {
	return c.delay(ctx, id, minutes, audit.SourceAPI, userID)
}

func (c *Coordinator) delay(ctx context.Context, id string, minutes int, source, userID string) (*Request, error) {
	if minutes < 0 || minutes > maxDelayMinutes {
		return nil, fmt.Errorf("%w: %d minutes is outside 0-%d", ErrInvalidDelay, minutes, maxDelayMinutes)
	}
	d := time.Duration(minutes) * time.Minute
	if minutes == 0 {
		d = c.cfg.GetDefaultDelay()
	}

	unlock := c.locks.Lock(requestKey(id))
	defer unlock()

	r, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusPendingApproval {
		return nil, stateError(r, "delay")
	}
	if c.cfg.MaxDelays > 0 && r.DelayCount >= c.cfg.MaxDelays {
		return nil, fmt.Errorf("%w: %s was delayed %d times", ErrMaxDelays, r.ID, r.DelayCount)
	}

	now := c.clock()
	err = c.transition(ctx, r, StatusDelayed, source, userID, func(n *Request) {
		n.DelayCount++
		n.DecisionDeadline = now.Add(d)
		n.Resolution = ResolutionDelayed
		n.ResolvedAt = &now
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Cancel cancels a request that has not started executing.
func (c *Coordinator) Cancel(ctx context.Context, id, userID, reason string) (*Request, error) {
	return c.cancel(ctx, id, audit.SourceAPI, userID, reason)
}

func (c *Coordinator) cancel(ctx context.Context, id, source, userID, reason string) (*Request, error) {
	unlock := c.locks.Lock(requestKey(id))
	defer unlock()

	r, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(cancellable, r.Status) {
		return nil, stateError(r, "cancel")
	}

	now := c.clock()
	err = c.transition(ctx, r, StatusCancelled, source, userID, func(n *Request) {
		n.Resolution = ResolutionCancelled
		n.ResolvedAt = &now
		if reason != "" {
			n.addNote("cancelled: " + reason)
		}
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SubmitFeedback records the operator's judgement of an executed dose,
// passes it to the calibration tracker, and completes the request.
func (c *Coordinator) SubmitFeedback(ctx context.Context, id string, fb calibration.Feedback, userID string) (*Request, error) {
	return c.submitFeedback(ctx, id, fb, audit.SourceAPI, userID)
}

func (c *Coordinator) submitFeedback(ctx context.Context, id string, fb calibration.Feedback, source, userID string) (*Request, error) {
	if !fb.Valid() {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidFeedback, fb)
	}

	unlock := c.locks.Lock(requestKey(id))
	defer unlock()

	r, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusFeedbackPending {
		return nil, stateError(r, "submit feedback for")
	}

	if _, err := c.calibration.AdjustFromFeedback(ctx, r.ActuatorID, fb, 0); err != nil {
		return nil, fmt.Errorf("adjusting calibration for %s: %w", r.ActuatorID, err)
	}
	err = c.transition(ctx, r, StatusCompleted, source, userID, func(n *Request) {
		n.Feedback = fb
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// HandleCallback dispatches a notification action to the matching
// operation.
func (c *Coordinator) HandleCallback(ctx context.Context, cb notify.Callback) error {
	parts := strings.Split(cb.CallbackID, ":")
	if len(parts) < 3 || parts[0] != "irrigation" || parts[1] == "" {
		return fmt.Errorf("%w: %q", ErrInvalidCallback, cb.CallbackID)
	}
	id, action, args := parts[1], parts[2], parts[3:]

	var err error
	switch {
	case action == ActionApprove && len(args) == 0:
		_, err = c.approve(ctx, id, audit.SourceCallback, cb.User)
	case action == ActionDelay && len(args) == 0:
		_, err = c.delay(ctx, id, 0, audit.SourceCallback, cb.User)
	case action == ActionCancel && len(args) == 0:
		_, err = c.cancel(ctx, id, audit.SourceCallback, cb.User, "declined from notification")
	case action == ActionFeedback && len(args) == 1:
		_, err = c.submitFeedback(ctx, id, calibration.Feedback(args[0]), audit.SourceCallback, cb.User)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCallback, cb.CallbackID)
	}
	return err
}

func (c *Coordinator) notifyApproval(ctx context.Context, r *Request) {
	c.send(ctx, r, notify.Message{
		Title: "Irrigation approval needed",
		Body: fmt.Sprintf("Water plant %s with %.0f ml (pump %s for %.1f s)? Expires %s.",
			r.PlantID, r.RequestedVolumeML, r.ActuatorID, r.RequestedDurationS,
			r.DecisionDeadline.Format(time.RFC3339)),
		Actions: []notify.Action{
			{Label: "Approve", CallbackID: CallbackID(r.ID, ActionApprove)},
			{Label: "Delay", CallbackID: CallbackID(r.ID, ActionDelay)},
			{Label: "Cancel", CallbackID: CallbackID(r.ID, ActionCancel)},
		},
		Reference: r.ID,
	})
}

func (c *Coordinator) notifyFeedback(ctx context.Context, r *Request) {
	c.send(ctx, r, notify.Message{
		Title: "How was the watering?",
		Body:  fmt.Sprintf("Plant %s received %.0f ml.", r.PlantID, r.RequestedVolumeML),
		Actions: []notify.Action{
			{Label: "Too little", CallbackID: CallbackID(r.ID, ActionFeedback, string(calibration.TooLittle))},
			{Label: "Just right", CallbackID: CallbackID(r.ID, ActionFeedback, string(calibration.JustRight))},
			{Label: "Too much", CallbackID: CallbackID(r.ID, ActionFeedback, string(calibration.TooMuch))},
		},
		Reference: r.ID,
	})
}

// send delivers msg to the pump's notification target. Failures are
// logged and never change the request.
func (c *Coordinator) send(ctx context.Context, r *Request, msg notify.Message) {
	if c.notifier == nil {
		return
	}
	target := DefaultNotifyTarget
	if a, ok := c.inventory.Actuator(r.ActuatorID); ok && a.NotifyTarget != "" {
		target = a.NotifyTarget
	}

	nctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()
	if err := c.notifier.Notify(nctx, target, msg); err != nil {
		c.logger.Warn("irrigation notification not delivered",
			"request_id", r.ID, "target", target, "title", msg.Title, "error", err)
	}
}
