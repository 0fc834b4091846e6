package orchestrator

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"vinr.eu/rollout/internal/remote"
)

// retryable reports whether another attempt could succeed. Authentication
// and host key problems never fix themselves.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrAuthFailed),
		errors.Is(err, remote.ErrAuthFailed),
		errors.Is(err, remote.ErrHostKey),
		errors.Is(err, remote.ErrInvalidOptions),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// backoff is the delay schedule between attempts: BaseDelay doubling per
// attempt, capped at MaxDelay.
func (r Retry) backoff() *wait.Backoff {
	d := r.BaseDelay
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	return &wait.Backoff{
		Duration: d,
		Factor:   2,
		Steps:    r.Attempts,
		Cap:      r.MaxDelay,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
