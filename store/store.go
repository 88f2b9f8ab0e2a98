// Package store defines the key-value table contract the RBAC repository is
// written against and provides the DynamoDB implementation. Items are opaque
// JSON values addressed by a composite (entityName, subjectName) primary key.
package store

import (
	"context"
	"fmt"
)

// MaxTransactOps is the largest number of operations a single Transact call
// may carry, matching the DynamoDB TransactWriteItems ceiling. The limit is
// enforced client-side so oversized work splits deterministically.
const MaxTransactOps = 100

// Item is one row in the table. PI is the partition (entityName) and SI the
// sort key (subjectName). Value is an opaque JSON document.
type Item struct {
	PI    string
	SI    string
	Value []byte
}

// PutCondition controls the write precondition for Put operations.
type PutCondition int

const (
	// PutAnyVersion writes unconditionally.
	PutAnyVersion PutCondition = iota
	// PutMustNotExist fails with AlreadyExists if the item is present.
	PutMustNotExist
	// PutMustExist fails with NotFound if the item is absent.
	PutMustExist
)

// TxOpKind enumerates the operations a transaction can carry.
type TxOpKind int

const (
	// TxPut writes an item, optionally guarded by a condition.
	TxPut TxOpKind = iota
	// TxDelete removes an item unconditionally. Deleting an absent item is
	// not a condition failure.
	TxDelete
	// TxConditionCheck asserts an item's existence without writing it.
	TxConditionCheck
)

// TxOp is one operation inside a Transact call.
type TxOp struct {
	Kind TxOpKind
	Item Item
	// Condition applies to TxPut and TxConditionCheck. For condition checks
	// PutMustExist asserts presence and PutMustNotExist asserts absence.
	Condition PutCondition
}

// TransactionError reports a transaction aborted by failed conditions or by
// a conflicting concurrent writer. Failed holds the indexes of operations
// whose condition did not hold; Conflict is set when the abort was caused by
// another in-flight transaction and the caller may retry.
type TransactionError struct {
	Failed   []int
	Conflict bool
}

func (e *TransactionError) Error() string {
	if e.Conflict {
		return "transaction aborted by a conflicting concurrent writer"
	}
	return fmt.Sprintf("transaction aborted, failed conditions at %v", e.Failed)
}

// Store is the adapter contract over the underlying table. Implementations
// translate backend-specific failures into the shared error taxonomy
// (trace.NotFound, trace.AlreadyExists, TransactionError, ...); no backend
// error types leak to callers.
type Store interface {
	// Get fetches one item. A missing item is (nil, nil), not an error.
	Get(ctx context.Context, pi, si string) (*Item, error)

	// Put writes one item subject to the given condition.
	Put(ctx context.Context, item Item, cond PutCondition) error

	// Query returns items in the partition whose sort key begins with
	// siPrefix, ordered by sort key, starting after the opaque cursor. A
	// non-empty next cursor means more pages remain. limit <= 0 lets the
	// backend choose its page size.
	Query(ctx context.Context, pi, siPrefix, cursor string, limit int) ([]Item, string, error)

	// Transact atomically applies all operations or none of them.
	Transact(ctx context.Context, ops []TxOp) error
}

// QueryAll drains every page of a prefix query.
func QueryAll(ctx context.Context, s Store, pi, siPrefix string) ([]Item, error) {
	var out []Item
	cursor := ""
	for {
		items, next, err := s.Query(ctx, pi, siPrefix, cursor, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}
