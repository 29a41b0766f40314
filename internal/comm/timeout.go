package comm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports a collective or point-to-point call whose peer did not
// answer before the configured deadline.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("comm: %s timed out waiting for peer", e.Op)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// WithTimeout bounds ctx by d. A non-positive d leaves ctx unbounded, which
// keeps the blocking semantics of the protocol.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func contextError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op}
	}
	return err
}
