package safego

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// PanicOutput receives panic reports. We intentionally avoid structured
// logging here: the panic may come from the logger itself.
var PanicOutput io.Writer = os.Stderr

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Go runs fn in an errgroup goroutine and restarts it with exponential backoff
// whenever it panics.
//
// Notes:
//   - Panics do not cancel sibling goroutines and do not end the group.
//   - A returned error keeps errgroup semantics: it ends the loop and is
//     reported by Wait().
//   - ctx cancellation stops the restart loop so Wait() returns promptly.
func Go(ctx context.Context, group *errgroup.Group, name string, fn func(context.Context) error) {
	if group == nil || fn == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	group.Go(func() (err error) {
		backoff := initialBackoff
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			recovered, panicked := call(ctx, fn, &err)
			if !panicked {
				return err
			}
			_, _ = fmt.Fprintf(PanicOutput, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			// Small deterministic jitter without relying on math/rand.
			jitter := time.Duration(0)
			if jitterMax := backoff / 2; jitterMax > 0 {
				jitter = time.Duration(time.Now().UnixNano() % int64(jitterMax))
			}
			timer := time.NewTimer(backoff + jitter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

func call(ctx context.Context, fn func(context.Context) error, err *error) (recovered any, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
			panicked = true
		}
	}()
	*err = fn(ctx)
	return nil, false
}
