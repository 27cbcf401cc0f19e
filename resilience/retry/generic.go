package retry

import "context"

// ExecuteWithResult is a type-safe wrapper around Handler.Execute for functions that produce a value.
func ExecuteWithResult[T any](ctx context.Context, h *Handler, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := h.Execute(ctx, cfg, func(ctx context.Context) error {
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
