package labelrange

import (
	"fmt"
	"sync"

	"github.com/containerd/errdefs"
)

type rangeKey struct {
	first, last uint32
}

// Registry deduplicates label ranges. Callers sharing a label space (the
// local node, or one remote peer) share a Registry, and every Locate for the
// same bounds yields the same LabelRange until its last reference is dropped.
type Registry struct {
	mu     sync.Mutex
	ranges map[rangeKey]*LabelRange
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ranges: map[rangeKey]*LabelRange{}}
}

// Locate returns the LabelRange for [first, last], creating it if no live one
// exists. Each successful call must be paired with a call to Unref.
//
// This method is safe for concurrent use.
func (r *Registry) Locate(first, last uint32) (*LabelRange, error) {
	if first > last {
		return nil, fmt.Errorf("label range %d-%d: first label above last: %w", first, last, errdefs.ErrInvalidArgument)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := rangeKey{first, last}
	lr, ok := r.ranges[key]
	if !ok {
		lr = newLabelRange(first, last)
		lr.registry = r
		r.ranges[key] = lr
	}
	lr.refs++
	return lr, nil
}

// Len returns the number of live ranges.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ranges)
}

// Close checks that every range has been released.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.ranges); n != 0 {
		panic(fmt.Sprintf("labelrange: registry closed with %d live ranges", n))
	}
}
