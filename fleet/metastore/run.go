package metastore

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/golang/glog"
)

// RunTransaction runs body in a fresh system transaction until it commits,
// retrying on retryable errors with exponential backoff. The body must be
// idempotent; on ErrCommitUnknownResult it is re-run and has to detect its
// own prior effects.
func RunTransaction(ctx context.Context, store *Store, name string, body func(tx *Transaction) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := store.NewTransaction()
		tx.SetAccessSystemKeys()
		tx.SetLockAware()
		tx.SetPrioritySystemImmediate()
		err := body(tx)
		if err == nil {
			err = tx.Commit()
		}
		if err == nil {
			if attempt > 0 {
				glog.V(3).Infof("transaction %s committed after %d retries", name, attempt)
			}
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		attempt++
		glog.V(4).Infof("transaction %s retry %d: %v", name, attempt, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}
