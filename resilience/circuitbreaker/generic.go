package circuitbreaker

import "context"

// CallWithResult is a type-safe wrapper around Breaker.Call for functions that produce a value.
//
// Usage:
//
//	out, err := circuitbreaker.CallWithResult(ctx, cb, func(ctx context.Context) (map[string]any, error) {
//	    return client.Fetch(ctx)
//	})
func CallWithResult[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Call(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
