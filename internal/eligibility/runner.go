package eligibility

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/grow-logic-core/internal/schedule"
)

// Run ticks every tracked pair once per interval until ctx is cancelled.
// Pairs are re-read on each round so schedules and overrides created at
// runtime are picked up. Each pair's tick runs in its own goroutine; a pair whose
// previous tick has not finished is skipped for the round. Run returns
// once every in-flight tick has finished.
func (e *Evaluator) Run(ctx context.Context) error {
	interval := e.cfg.GetTickInterval()
	if interval <= 0 {
		interval = time.Minute
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	e.logger.Info("eligibility evaluator started", "interval", interval.String())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		e.round(ctx, &wg)

		select {
		case <-ctx.Done():
			e.logger.Info("eligibility evaluator stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Evaluator) round(ctx context.Context, wg *sync.WaitGroup) {
	pairs, err := e.Pairs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error("listing eligibility pairs failed, skipping round", "error", err)
		}
		return
	}
	for _, pair := range pairs {
		wg.Add(1)
		go func(pair schedule.Pair) {
			defer wg.Done()
			_, err := e.Tick(ctx, pair)
			switch {
			case err == nil, errors.Is(err, ErrTickInProgress):
			case ctx.Err() != nil:
			default:
				e.logger.Error("eligibility tick failed", "pair", pair.String(), "error", err)
			}
		}(pair)
	}
}
