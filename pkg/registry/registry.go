package registry

import (
	"fmt"
	"sync"
)

// Registry is a generic keyed store with insertion-ordered listing.
type Registry[T any] interface {
	Register(key string, item T) error
	Get(key string) (T, bool)
	List() []T
	Remove(key string)
	Count() int
	Clear()
}

// BaseRegistry is a thread-safe Registry implementation. Registering an
// existing key replaces the item in place; the key keeps its original
// position in List order.
type BaseRegistry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
	order []string
}

func NewBaseRegistry[T any]() *BaseRegistry[T] {
	return &BaseRegistry[T]{
		items: make(map[string]T),
	}
}

func (r *BaseRegistry[T]) Register(key string, item T) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[key]; !exists {
		r.order = append(r.order, key)
	}
	r.items[key] = item
	return nil
}

func (r *BaseRegistry[T]) Get(key string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, exists := r.items[key]
	return item, exists
}

func (r *BaseRegistry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]T, 0, len(r.order))
	for _, key := range r.order {
		items = append(items, r.items[key])
	}
	return items
}

// Remove deletes the item if present. Removing an absent key is a no-op.
func (r *BaseRegistry[T]) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[key]; !exists {
		return
	}

	delete(r.items, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *BaseRegistry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.items)
}

func (r *BaseRegistry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = make(map[string]T)
	r.order = nil
}
