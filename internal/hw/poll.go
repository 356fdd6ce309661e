package hw

import (
	"context"
	"time"
)

// Budget bounds a hardware wait.
type Budget struct {
	Attempts int
	Delay    time.Duration
}

// Poll evaluates cond until it reports true, cond fails, ctx is done, or the
// budget is spent. Running out of attempts returns a *TimeoutError.
func Poll(ctx context.Context, budget Budget, op string, cond func() (bool, error)) error {
	attempts := budget.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if budget.Delay > 0 && i+1 < attempts {
			time.Sleep(budget.Delay)
		}
	}
	return &TimeoutError{Op: op, Attempts: attempts}
}
