package labelrange

import (
	"testing"

	"github.com/containerd/errdefs"
	"golang.org/x/sync/errgroup"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestLocateDeduplicates(t *testing.T) {
	r := NewRegistry()

	a, err := r.Locate(100, 199)
	assert.NilError(t, err)
	b, err := r.Locate(100, 199)
	assert.NilError(t, err)
	assert.Check(t, a == b, "same bounds must yield the same range")

	c, err := r.Locate(100, 200)
	assert.NilError(t, err)
	assert.Check(t, a != c)
	assert.Check(t, is.Equal(r.Len(), 2))

	a.Unref()
	assert.Check(t, is.Equal(r.Len(), 2), "range dropped while still referenced")
	b.Unref()
	c.Unref()
	assert.Check(t, is.Equal(r.Len(), 0))

	d, err := r.Locate(100, 199)
	assert.NilError(t, err)
	assert.Check(t, d != a, "a new instance is built once all references are gone")
	d.Unref()
	r.Close()
}

func TestLocateSharesAllocations(t *testing.T) {
	r := NewRegistry()
	a, err := r.Locate(1, 2)
	assert.NilError(t, err)
	b, err := r.Locate(1, 2)
	assert.NilError(t, err)

	l1, err := a.Allocate()
	assert.NilError(t, err)
	l2, err := b.Allocate()
	assert.NilError(t, err)
	assert.Check(t, l1 != l2)

	assert.NilError(t, a.Release(l1))
	assert.NilError(t, b.Release(l2))
	a.Unref()
	b.Unref()
}

func TestLocateInvalidBounds(t *testing.T) {
	r := NewRegistry()
	_, err := r.Locate(10, 9)
	assert.Check(t, errdefs.IsInvalidArgument(err))
	assert.Check(t, is.Equal(r.Len(), 0))
}

func TestUnrefWithLabelsInUse(t *testing.T) {
	r := NewRegistry()
	lr, err := r.Locate(5, 9)
	assert.NilError(t, err)
	_, err = lr.Allocate()
	assert.NilError(t, err)

	assert.Assert(t, is.Panics(func() { lr.Unref() }))
}

func TestCloseWithLiveRanges(t *testing.T) {
	r := NewRegistry()
	lr, err := r.Locate(5, 9)
	assert.NilError(t, err)
	assert.Check(t, is.Panics(func() { r.Close() }))
	lr.Unref()
	r.Close()
}

func TestParallelLocate(t *testing.T) {
	r := NewRegistry()
	ranges := make([]*LabelRange, 64)

	var eg errgroup.Group
	for i := range ranges {
		eg.Go(func() error {
			lr, err := r.Locate(1000, 1999)
			ranges[i] = lr
			return err
		})
	}
	assert.NilError(t, eg.Wait())
	assert.Check(t, is.Equal(r.Len(), 1))
	for _, lr := range ranges[1:] {
		assert.Check(t, lr == ranges[0])
	}

	for _, lr := range ranges {
		eg.Go(func() error {
			lr.Unref()
			return nil
		})
	}
	assert.NilError(t, eg.Wait())
	assert.Check(t, is.Equal(r.Len(), 0))
}
