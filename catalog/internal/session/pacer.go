package session

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// pacer enforces a minimum delay between consecutive requests with a token
// bucket of one, read against the injected clock.
type pacer struct {
	lim   *rate.Limiter
	clock Clock
}

func newPacer(delay time.Duration, clock Clock) *pacer {
	if delay <= 0 {
		return &pacer{clock: clock}
	}
	return &pacer{lim: rate.NewLimiter(rate.Every(delay), 1), clock: clock}
}

func (p *pacer) wait(ctx context.Context) error {
	if p.lim == nil {
		return ctx.Err()
	}
	now := p.clock.Now()
	r := p.lim.ReserveN(now, 1)
	if !r.OK() {
		return ctx.Err()
	}
	if d := r.DelayFrom(now); d > 0 {
		if err := p.clock.Sleep(ctx, d); err != nil {
			r.CancelAt(p.clock.Now())
			return err
		}
	}
	return nil
}
