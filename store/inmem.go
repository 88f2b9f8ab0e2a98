package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/gravitational/trace"
)

// InmemStore is an in-process Store used by tests. It honors the same
// conditional-write and transaction semantics as the DynamoDB adapter.
type InmemStore struct {
	mu    sync.RWMutex
	parts map[string]map[string]Item
}

// NewInmemStore returns an empty in-memory store.
func NewInmemStore() *InmemStore {
	return &InmemStore{parts: make(map[string]map[string]Item)}
}

// Get implements Store.
func (s *InmemStore) Get(ctx context.Context, pi, si string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.parts[pi][si]
	if !ok {
		return nil, nil
	}
	cp := item
	return &cp, nil
}

// Put implements Store.
func (s *InmemStore) Put(ctx context.Context, item Item, cond PutCondition) error {
	if err := ctx.Err(); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.parts[item.PI][item.SI]
	switch cond {
	case PutMustNotExist:
		if exists {
			return trace.AlreadyExists("item %q %q already exists", item.PI, item.SI)
		}
	case PutMustExist:
		if !exists {
			return trace.NotFound("item %q %q not found", item.PI, item.SI)
		}
	}
	s.put(item)
	return nil
}

func (s *InmemStore) put(item Item) {
	part, ok := s.parts[item.PI]
	if !ok {
		part = make(map[string]Item)
		s.parts[item.PI] = part
	}
	part[item.SI] = item
}

// Query implements Store. Pages are capped at limit items, or 25 when the
// caller lets the backend choose, to exercise cursor handling in tests.
func (s *InmemStore) Query(ctx context.Context, pi, siPrefix, cursor string, limit int) ([]Item, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", trace.Wrap(err)
	}
	if limit <= 0 {
		limit = 25
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sis := make([]string, 0, len(s.parts[pi]))
	for si := range s.parts[pi] {
		if strings.HasPrefix(si, siPrefix) {
			sis = append(sis, si)
		}
	}
	sort.Strings(sis)

	start := 0
	if cursor != "" {
		start = sort.SearchStrings(sis, cursor)
		if start < len(sis) && sis[start] == cursor {
			start++
		}
	}

	var items []Item
	for _, si := range sis[start:] {
		if len(items) == limit {
			return items, items[len(items)-1].SI, nil
		}
		items = append(items, s.parts[pi][si])
	}
	return items, "", nil
}

// Transact implements Store. All conditions are evaluated against the state
// at the start of the call and either every operation applies or none does.
func (s *InmemStore) Transact(ctx context.Context, ops []TxOp) error {
	if err := ctx.Err(); err != nil {
		return trace.Wrap(err)
	}
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > MaxTransactOps {
		return trace.LimitExceeded("transaction of %d operations exceeds the limit of %d", len(ops), MaxTransactOps)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	txErr := &TransactionError{}
	for i, op := range ops {
		_, exists := s.parts[op.Item.PI][op.Item.SI]
		switch op.Kind {
		case TxPut, TxConditionCheck:
			if op.Condition == PutMustNotExist && exists {
				txErr.Failed = append(txErr.Failed, i)
			}
			if op.Condition == PutMustExist && !exists {
				txErr.Failed = append(txErr.Failed, i)
			}
		case TxDelete:
			// Unconditional, deleting an absent item is fine.
		default:
			return trace.BadParameter("unknown transaction operation kind %d", op.Kind)
		}
	}
	if len(txErr.Failed) > 0 {
		return txErr
	}

	for _, op := range ops {
		switch op.Kind {
		case TxPut:
			s.put(op.Item)
		case TxDelete:
			delete(s.parts[op.Item.PI], op.Item.SI)
		}
	}
	return nil
}

// Scan returns every item in the store, ordered by partition then sort key.
// Test helper for cascade-completeness checks.
func (s *InmemStore) Scan() []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []Item
	for _, part := range s.parts {
		for _, item := range part {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].PI != items[j].PI {
			return items[i].PI < items[j].PI
		}
		return items[i].SI < items[j].SI
	})
	return items
}
