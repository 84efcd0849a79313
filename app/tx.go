package app

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/credmeter/ports"
)

// txWait bounds how long a serializable unit of work may queue on the
// write lock before it aborts with ports.ErrTxConflict.
const txWait = 10 * time.Second

// txAttempts is how many times a conflicted unit of work is retried.
const txAttempts = 3

// runSerializable runs fn in a serializable transaction, retrying on
// ErrTxConflict with a short linear backoff. onRetry is invoked once per
// retry (for metrics); it may be nil.
func runSerializable(ctx context.Context, uow ports.UnitOfWork, onRetry func(), fn func(tx ports.Tx) error) error {
	opts := ports.TxOptions{Isolation: ports.Serializable, Wait: txWait}

	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
			}
		}
		err = uow.InTx(ctx, opts, fn)
		if !errors.Is(err, ports.ErrTxConflict) {
			return err
		}
	}
	return err
}
