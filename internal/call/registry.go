package call

import "sync"

// Registry serializes work per call and tracks which calls are live. Locks
// are reference counted so entries for quiet calls do not accumulate.
type Registry struct {
	mu     sync.Mutex
	locks  map[string]*callLock
	active map[string]struct{}
}

type callLock struct {
	mu   sync.Mutex
	refs int
}

func NewRegistry() *Registry {
	return &Registry{
		locks:  make(map[string]*callLock),
		active: make(map[string]struct{}),
	}
}

// Lock enters the critical section for one call and returns its release
// func. Different calls proceed in parallel; the same call is serialized.
func (registry *Registry) Lock(callID string) func() {
	registry.mu.Lock()

	lock, ok := registry.locks[callID]
	if !ok {
		lock = &callLock{}
		registry.locks[callID] = lock
	}

	lock.refs++

	registry.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		registry.mu.Lock()
		defer registry.mu.Unlock()

		lock.refs--
		if lock.refs == 0 {
			delete(registry.locks, callID)
		}
	}
}

func (registry *Registry) Track(callID string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.active[callID] = struct{}{}
}

func (registry *Registry) Untrack(callID string) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	delete(registry.active, callID)
}

func (registry *Registry) IsActive(callID string) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	_, ok := registry.active[callID]

	return ok
}

func (registry *Registry) ActiveCount() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	return len(registry.active)
}
