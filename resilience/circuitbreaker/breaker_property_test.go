package circuitbreaker

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// 任意阈值下，恰好 N 次连续失败后进入 OPEN，N-1 次时仍为 CLOSED
func TestProperty_OpensAfterExactlyThresholdFailures(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("opens at threshold", prop.ForAll(
		func(threshold int) bool {
			clock := newFakeClock()
			cb := New("svc", Config{FailureThreshold: threshold, Timeout: time.Minute, Clock: clock.Now}, nil)
			ctx := context.Background()

			for i := 0; i < threshold-1; i++ {
				_ = cb.Call(ctx, failing)
			}
			if cb.State() != StateClosed {
				return false
			}
			_ = cb.Call(ctx, failing)
			return cb.State() == StateOpen
		},
		gen.IntRange(1, 50),
	))

	properties.Property("open rejects until timeout", prop.ForAll(
		func(threshold int, waitSeconds int) bool {
			clock := newFakeClock()
			cb := New("svc", Config{FailureThreshold: threshold, Timeout: time.Minute, Clock: clock.Now}, nil)
			ctx := context.Background()
			for i := 0; i < threshold; i++ {
				_ = cb.Call(ctx, failing)
			}
			clock.Advance(time.Duration(waitSeconds) * time.Second)

			invoked := false
			_ = cb.Call(ctx, func(context.Context) error {
				invoked = true
				return nil
			})
			return invoked == (waitSeconds >= 60)
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 120),
	))

	properties.TestingRun(t)
}
