package engine

import (
	"strings"
	"sync"
)

// Retry kinds tracked per position.
const (
	retryFunding     = "funding"
	retryLiquidation = "liquidation"
)

// retryTracker remembers per-position failures across ticks. Funding retries
// back off exponentially in ticks (1, 2, 4, … capped). Liquidation is
// re-evaluated every tick regardless; its entries only count attempts so
// persistent failures can be escalated.
type retryTracker struct {
	mu       sync.Mutex
	maxDelay uint64
	entries  map[string]*retryEntry
}

type retryEntry struct {
	attempts int
	nextTick uint64
}

func newRetryTracker(maxDelay int) *retryTracker {
	if maxDelay < 1 {
		maxDelay = 1
	}
	return &retryTracker{maxDelay: uint64(maxDelay), entries: make(map[string]*retryEntry)}
}

func retryKey(kind, id string) string { return kind + ":" + id }

// due reports whether id may be attempted on tick seq.
func (r *retryTracker) due(kind, id string, seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[retryKey(kind, id)]
	return !ok || seq >= e.nextTick
}

// fail records a failure on tick seq and returns the attempt count.
func (r *retryTracker) fail(kind, id string, seq uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := retryKey(kind, id)
	e, ok := r.entries[k]
	if !ok {
		e = &retryEntry{}
		r.entries[k] = e
	}
	e.attempts++
	delay := uint64(1) << min(e.attempts-1, 62)
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	e.nextTick = seq + delay
	return e.attempts
}

func (r *retryTracker) clear(kind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, retryKey(kind, id))
}

// retain drops entries of kind whose id fails keep.
func (r *retryTracker) retain(kind string, keep func(id string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := kind + ":"
	for k := range r.entries {
		if id, ok := strings.CutPrefix(k, prefix); ok && !keep(id) {
			delete(r.entries, k)
		}
	}
}

func (r *retryTracker) attempts(kind, id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[retryKey(kind, id)]; ok {
		return e.attempts
	}
	return 0
}
