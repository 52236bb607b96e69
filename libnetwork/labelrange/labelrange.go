// Package labelrange provides allocation of labels out of fixed, inclusive
// label ranges. Ranges are shared: a Registry hands out at most one
// LabelRange per distinct [first, last] pair and reclaims it when the last
// reference is dropped.
package labelrange

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/containerd/errdefs"
)

var (
	// ErrLabelExhausted is returned by Allocate when every label in the
	// range is in use.
	ErrLabelExhausted = fmt.Errorf("label range exhausted: %w", errdefs.ErrResourceExhausted)

	// ErrInvalidLabelRelease is returned when a label outside the range, or
	// one that is not in use, is released.
	ErrInvalidLabelRelease = fmt.Errorf("invalid label release: %w", errdefs.ErrInvalidArgument)
)

// LabelRange is a contiguous span of labels [first, last] with a bitmap of
// the labels currently in use. It is safe for concurrent use.
type LabelRange struct {
	first, last uint32

	mu   sync.Mutex
	used *bitset.BitSet
	// hint is the offset after the last allocated label; the next scan
	// starts here.
	hint uint

	// Owned by registry.mu.
	registry *Registry
	refs     int
}

func newLabelRange(first, last uint32) *LabelRange {
	return &LabelRange{
		first: first,
		last:  last,
		used:  bitset.New(uint(last-first) + 1),
	}
}

// First returns the lowest label of the range.
func (lr *LabelRange) First() uint32 {
	return lr.first
}

// Last returns the highest label of the range.
func (lr *LabelRange) Last() uint32 {
	return lr.last
}

// Size returns the number of labels in the range.
func (lr *LabelRange) Size() int {
	return int(lr.last-lr.first) + 1
}

// Contains reports whether label falls inside the range.
func (lr *LabelRange) Contains(label uint32) bool {
	return label >= lr.first && label <= lr.last
}

// InUse returns the number of allocated labels.
func (lr *LabelRange) InUse() int {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return int(lr.used.Count())
}

func (lr *LabelRange) String() string {
	return fmt.Sprintf("%d-%d", lr.first, lr.last)
}

// Allocate returns a free label. The search starts after the label handed
// out last and wraps to the start of the range once.
func (lr *LabelRange) Allocate() (uint32, error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	size := uint(lr.Size())
	offset, ok := uint(0), false
	if lr.hint < size {
		offset, ok = lr.used.NextClear(lr.hint)
	}
	if !ok && lr.hint > 0 {
		offset, ok = lr.used.NextClear(0)
	}
	if !ok || offset >= size {
		return 0, fmt.Errorf("%s: %w", lr, ErrLabelExhausted)
	}

	lr.used.Set(offset)
	lr.hint = offset + 1
	return lr.first + uint32(offset), nil
}

// Reserve marks a specific label as in use.
func (lr *LabelRange) Reserve(label uint32) error {
	if !lr.Contains(label) {
		return fmt.Errorf("label %d outside range %s: %w", label, lr, errdefs.ErrInvalidArgument)
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()

	offset := uint(label - lr.first)
	if lr.used.Test(offset) {
		return fmt.Errorf("label %d in range %s: %w", label, lr, errdefs.ErrAlreadyExists)
	}
	lr.used.Set(offset)
	return nil
}

// Release returns label to the range. Releasing a label that is out of range
// or not allocated is a caller bug and reported as ErrInvalidLabelRelease.
func (lr *LabelRange) Release(label uint32) error {
	if !lr.Contains(label) {
		return fmt.Errorf("label %d outside range %s: %w", label, lr, ErrInvalidLabelRelease)
	}

	lr.mu.Lock()
	defer lr.mu.Unlock()

	offset := uint(label - lr.first)
	if !lr.used.Test(offset) {
		return fmt.Errorf("label %d in range %s not allocated: %w", label, lr, ErrInvalidLabelRelease)
	}
	lr.used.Clear(offset)
	return nil
}

// Unref drops one reference obtained from Registry.Locate. Dropping the last
// reference removes the range from its registry. The range must not have any
// label in use at that point.
func (lr *LabelRange) Unref() {
	r := lr.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	lr.refs--
	switch {
	case lr.refs > 0:
		return
	case lr.refs < 0:
		panic(fmt.Sprintf("labelrange: range %s unreferenced too many times", lr))
	}

	delete(r.ranges, rangeKey{lr.first, lr.last})
	if n := lr.InUse(); n != 0 {
		panic(fmt.Sprintf("labelrange: range %s destroyed with %d labels in use", lr, n))
	}
}
