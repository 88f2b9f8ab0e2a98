package rbac

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"

	"github.com/nicholasjackson/iam-token-service/store"
)

const (
	// transactRetries bounds retries of transactions aborted by a
	// conflicting concurrent writer.
	transactRetries = 3

	transactRetryInterval = 50 * time.Millisecond
)

// runTransaction submits a transaction, retrying with jittered exponential
// backoff when it is aborted by a conflicting concurrent writer. Condition
// failures are returned to the caller for classification.
func (r *Repository) runTransaction(ctx context.Context, ops []store.TxOp) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = transactRetryInterval

	err := backoff.Retry(func() error {
		err := r.store.Transact(ctx, ops)
		if txErr := asTransactionError(err); txErr != nil && txErr.Conflict {
			r.log.Debug("transaction aborted by concurrent writer, retrying", "ops", len(ops))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, transactRetries), ctx))

	if txErr := asTransactionError(err); txErr != nil && txErr.Conflict {
		return trace.CompareFailed("transaction aborted after %d attempts: %v", transactRetries+1, err)
	}
	return trace.Wrap(err)
}

// asTransactionError unwraps a store.TransactionError, or nil.
func asTransactionError(err error) *txError {
	var te *store.TransactionError
	if errors.As(err, &te) {
		return &txError{te}
	}
	return nil
}

// txError adds index classification helpers over store.TransactionError.
type txError struct {
	*store.TransactionError
}

// failedAt reports whether the operation at index i failed its condition.
func (e *txError) failedAt(i int) bool {
	for _, idx := range e.Failed {
		if idx == i {
			return true
		}
	}
	return false
}
