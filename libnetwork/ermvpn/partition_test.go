package ermvpn

import (
	"context"
	"errors"
	"testing"

	"github.com/moby/ermvpn/libnetwork/labelrange"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestEnqueueIsIdempotent(t *testing.T) {
	tm := newTestManager(t, 1)
	ctx := context.Background()
	p := tm.Partition(0)

	mustApply(t, tm,
		remoteJoin(testFlow, "A", 1),
		remoteJoin(testFlow, "B", 2),
		remoteJoin(testFlow, "C", 3),
		leave(testFlow, "B"),
		remoteJoin(testFlow, "D", 4),
	)
	assert.Check(t, is.Equal(p.Pending(), 1))

	p.mu.Lock()
	e := p.entries[testFlow]
	assert.Check(t, e.queued)
	p.enqueue(e)
	p.enqueue(e)
	p.mu.Unlock()
	assert.Check(t, is.Equal(p.Pending(), 1))

	assert.Check(t, is.Equal(tm.Sync(ctx), 1))
	assert.Check(t, is.Equal(p.UpdateCount(), uint64(1)))
	assert.Check(t, is.Equal(p.Pending(), 0))
	assert.Check(t, !e.queued)

	// The single rebuild saw the final membership.
	assert.Check(t, is.DeepEqual(tm.Forwarders(testFlow), []string{"A", "C", "D"}))
	assert.Check(t, is.DeepEqual(tm.Neighbors(fwdKey(testFlow, "A")), []string{"C", "D"}))
}

func TestUnchangedUpdateDoesNotEnqueue(t *testing.T) {
	tm := newTestManager(t, 1)
	ctx := context.Background()
	p := tm.Partition(0)

	mustApply(t, tm, remoteJoin(testFlow, "A", 1))
	tm.Sync(ctx)

	ev := remoteJoin(testFlow, "A", 1)
	ev.Op = OpUpdate
	mustApply(t, tm, ev)
	assert.Check(t, is.Equal(p.Pending(), 0))

	ev.Attrs.Label = 9
	mustApply(t, tm, ev)
	assert.Check(t, is.Equal(p.Pending(), 1))
}

func TestAddRemoveRoundTrip(t *testing.T) {
	tm := newTestManager(t, 4)
	ctx := context.Background()
	p := tm.PartitionFor(testFlow)

	mustApply(t, tm, remoteJoin(testFlow, "A", 1), leave(testFlow, "A"))

	// Deletion waits for the queue.
	assert.Check(t, is.Equal(p.Len(), 1))
	assert.Check(t, is.Equal(tm.FlowForwarderCount(testFlow), 0))
	assert.Check(t, !p.Empty())

	tm.Sync(ctx)
	assert.Check(t, is.Equal(p.Len(), 0))
	assert.Check(t, p.Empty())
	assert.Check(t, is.Len(tm.Flows(), 0))
}

func TestRejoinBeforeDrainKeepsEntry(t *testing.T) {
	tm := newTestManager(t, 1)
	ctx := context.Background()
	p := tm.Partition(0)

	mustApply(t, tm, remoteJoin(testFlow, "A", 1))
	tm.Sync(ctx)
	p.mu.Lock()
	e := p.entries[testFlow]
	p.mu.Unlock()

	mustApply(t, tm, leave(testFlow, "A"), remoteJoin(testFlow, "B", 2))
	tm.Sync(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Check(t, p.entries[testFlow] == e, "entry must survive a transient empty state")
}

func TestDeleteUnknown(t *testing.T) {
	tm := newTestManager(t, 1)
	mustApply(t, tm, leave(testFlow, "ghost"))
	mustApply(t, tm, remoteJoin(testFlow, "A", 1), leave(testFlow, "ghost"))
	assert.Check(t, is.Equal(tm.FlowForwarderCount(testFlow), 1))
}

func TestDestroyInvariants(t *testing.T) {
	tm := newTestManager(t, 1)
	p := tm.Partition(0)
	mustApply(t, tm, remoteJoin(testFlow, "A", 1))

	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.entries[testFlow]
	assert.Check(t, is.Panics(func() { p.destroy(e) }), "queued entries must not be destroyed")

	e.queued = false
	assert.Check(t, is.Panics(func() { p.destroy(e) }), "non-empty entries must not be destroyed")
}

func TestPartitionStats(t *testing.T) {
	tm := newTestManager(t, 1)
	ctx := context.Background()

	mustApply(t, tm, remoteJoin(testFlow, "A", 1), remoteJoin(testFlow, "B", 2))
	st := tm.PartitionStats()
	assert.Check(t, is.DeepEqual(st, []PartitionStats{{Index: 0, Flows: 1, Forwarders: 2, Pending: 1}}))

	tm.Sync(ctx)
	st = tm.PartitionStats()
	assert.Check(t, is.DeepEqual(st, []PartitionStats{{Index: 0, Flows: 1, Forwarders: 2, Updates: 1}}))
}

func TestFailedUpdateKeepsOrder(t *testing.T) {
	tm := newTestManager(t, 1)
	ctx := context.Background()
	p := tm.Partition(0)

	mustApply(t, tm, localJoin(testFlow, "vr1", 100, 109), localJoin(testFlow, "vr2", 100, 109))
	tm.Sync(ctx)

	// Free vr1's label behind its back so that moving it to another range
	// cannot release it.
	p.mu.Lock()
	f := p.lookup(fwdKey(testFlow, "vr1"))
	assert.NilError(t, f.labelRange.Release(f.label))
	p.mu.Unlock()

	ev := localJoin(testFlow, "vr1", 200, 209)
	ev.Op = OpUpdate
	ev.Attrs.RouteDistinguisher = "zz"
	err := tm.OnForwarderEvent(ctx, ev)
	assert.Check(t, errors.Is(err, labelrange.ErrInvalidLabelRelease), "got: %v", err)

	assert.Check(t, is.DeepEqual(tm.Forwarders(testFlow), []string{"vr1", "vr2"}))
	p.mu.Lock()
	assert.Check(t, is.Equal(f.attrs.RouteDistinguisher, "vr1"))
	assert.Check(t, is.Equal(f.labelRange.First(), uint32(100)))
	p.mu.Unlock()
	assert.Check(t, is.Equal(tm.Registry().Len(), 1), "the new range must not stay referenced")
}
