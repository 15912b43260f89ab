package executor

import "sync"

// InFlight guards against concurrent executions of the same rule inside
// this process. It is an optimization only: the storage-layer conditional
// update is what actually enforces at-most-one trigger, this just avoids
// submitting orders that would lose that race. Safe for concurrent use.
type InFlight struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewInFlight creates an empty guard.
func NewInFlight() *InFlight {
	return &InFlight{
		active: make(map[string]struct{}),
	}
}

// TryAcquire claims the rule for execution. It returns false when an
// execution for the rule is already running.
func (f *InFlight) TryAcquire(ruleID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.active[ruleID]; ok {
		return false
	}
	f.active[ruleID] = struct{}{}
	return true
}

// Release frees the rule after its execution attempt finishes, whatever the
// outcome.
func (f *InFlight) Release(ruleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, ruleID)
}
