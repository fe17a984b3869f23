package dataview

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/KevoDB/dataview/pkg/transaction"
)

var (
	// ErrNotFound is returned by a Source when the entity does not exist
	ErrNotFound = errors.New("entity not found")
	// ErrExists is returned by a Source when creating a duplicate entity
	ErrExists = errors.New("entity already exists")
)

// Source is the remote data behind a view. Its write methods become the
// mutations of staged operations.
type Source[K comparable, T any] interface {
	List(ctx context.Context) ([]T, error)
	Create(ctx context.Context, item T) (T, error)
	Update(ctx context.Context, id K, patch T, fields []string) (T, error)
	Delete(ctx context.Context, id K) error
}

// MemorySource is an in-memory Source. Failures can be injected per key.
type MemorySource[K comparable, T any] struct {
	mu       sync.Mutex
	key      func(T) K
	merge    transaction.MergeFunc[T]
	items    []T
	failures map[K]error
	lists    int
}

// NewMemorySource creates a source holding items.
func NewMemorySource[K comparable, T any](key func(T) K, items ...T) *MemorySource[K, T] {
	return &MemorySource[K, T]{
		key:      key,
		merge:    transaction.ShallowMerge[T],
		items:    append([]T(nil), items...),
		failures: make(map[K]error),
	}
}

// FailOn makes every write to id fail with err until ClearFailures.
func (s *MemorySource[K, T]) FailOn(id K, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id] = err
}

// ClearFailures removes every injected failure.
func (s *MemorySource[K, T]) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[K]error)
}

// Items returns a copy of the stored items.
func (s *MemorySource[K, T]) Items() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]T(nil), s.items...)
}

// Lists returns how many times List was called.
func (s *MemorySource[K, T]) Lists() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

// List implements Source.
func (s *MemorySource[K, T]) List(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	return append([]T(nil), s.items...), nil
}

// Create implements Source.
func (s *MemorySource[K, T]) Create(ctx context.Context, item T) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	id := s.key(item)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[id]; err != nil {
		return zero, err
	}
	if s.indexLocked(id) >= 0 {
		return zero, fmt.Errorf("%w: %v", ErrExists, id)
	}
	s.items = append(s.items, item)
	return item, nil
}

// Update implements Source.
func (s *MemorySource[K, T]) Update(ctx context.Context, id K, patch T, fields []string) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[id]; err != nil {
		return zero, err
	}
	i := s.indexLocked(id)
	if i < 0 {
		return zero, fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	s.items[i] = s.merge(s.items[i], patch, fields)
	return s.items[i], nil
}

// Delete implements Source.
func (s *MemorySource[K, T]) Delete(ctx context.Context, id K) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failures[id]; err != nil {
		return err
	}
	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	s.items = append(s.items[:i:i], s.items[i+1:]...)
	return nil
}

func (s *MemorySource[K, T]) indexLocked(id K) int {
	for i, item := range s.items {
		if s.key(item) == id {
			return i
		}
	}
	return -1
}
