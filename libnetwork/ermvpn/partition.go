package ermvpn

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/log"
	"github.com/moby/ermvpn/libnetwork/internal/workqueue"
	"github.com/moby/ermvpn/libnetwork/labelrange"
	"golang.org/x/time/rate"
)

// Partition is a shard of flow state. Everything reachable from its entries
// is guarded by mu; partitions never share a lock.
type Partition struct {
	index   int
	manager *TreeManager

	mu          sync.Mutex
	entries     map[FlowKey]*FlowEntry
	updateCount uint64

	queue   *workqueue.Queue[*FlowEntry]
	limiter *rate.Limiter
}

// PartitionStats is a snapshot of a partition's diagnostic counters.
type PartitionStats struct {
	Index      int    `json:"index"`
	Flows      int    `json:"flows"`
	Forwarders int    `json:"forwarders"`
	Pending    int    `json:"pending"`
	Updates    uint64 `json:"updates"`
}

func newPartition(tm *TreeManager, index int, limiter *rate.Limiter) *Partition {
	return &Partition{
		index:   index,
		manager: tm,
		entries: map[FlowKey]*FlowEntry{},
		queue:   workqueue.New[*FlowEntry](),
		limiter: limiter,
	}
}

// Index returns the partition number.
func (p *Partition) Index() int {
	return p.index
}

// Len returns the number of flows in the partition.
func (p *Partition) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Empty reports whether the partition holds no flows and has no pending work.
func (p *Partition) Empty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries) == 0 && p.queue.Len() == 0
}

// Pending returns the number of flows waiting for a rebuild.
func (p *Partition) Pending() int {
	return p.queue.Len()
}

// UpdateCount returns how many tree rebuilds the partition has run.
func (p *Partition) UpdateCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updateCount
}

// Stats returns a snapshot of the partition counters.
func (p *Partition) Stats() PartitionStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PartitionStats{
		Index:   p.index,
		Flows:   len(p.entries),
		Pending: p.queue.Len(),
		Updates: p.updateCount,
	}
	for _, e := range p.entries {
		st.Forwarders += e.Len()
	}
	return st
}

// locateOrCreate returns the entry for key, creating it as needed. This is
// the only place flow entries are created. Caller must hold p.mu.
func (p *Partition) locateOrCreate(key FlowKey) *FlowEntry {
	if e, ok := p.entries[key]; ok {
		return e
	}
	e := newFlowEntry(p, key)
	p.entries[key] = e
	flowsGauge.Inc()
	return e
}

// enqueue schedules a rebuild of e unless one is already pending, so
// repeated changes to a flow between two drains cost a single rebuild.
// Caller must hold p.mu.
func (p *Partition) enqueue(e *FlowEntry) {
	if e.queued {
		return
	}
	e.queued = true
	p.queue.Push(e)
}

// destroy erases an empty, unqueued entry. Caller must hold p.mu.
func (p *Partition) destroy(e *FlowEntry) {
	if e.queued {
		panic(fmt.Sprintf("ermvpn: flow %s destroyed while queued", e.key))
	}
	if !e.empty() {
		panic(fmt.Sprintf("ermvpn: flow %s destroyed with %d forwarders", e.key, e.Len()))
	}
	if p.entries[e.key] != e {
		panic(fmt.Sprintf("ermvpn: flow %s destroyed twice", e.key))
	}
	delete(p.entries, e.key)
	p.manager.waiters.forget(e.key)
	flowsGauge.Dec()
}

// drain rebuilds every queued entry and destroys the ones left empty. It
// returns the number of rebuilds.
func (p *Partition) drain(ctx context.Context) int {
	var rebuilt []TreeEvent
	// Termination takes manager.mu exclusively, so subscriptions cannot be
	// closed before this drain's events are published.
	p.manager.mu.RLock()
	p.mu.Lock()
	for {
		e, ok := p.queue.Pop()
		if !ok {
			break
		}
		e.queued = false
		rebuilt = append(rebuilt, e.rebuildTree(ctx, p.manager.degree))
		p.updateCount++
		treeRebuilds.Inc()
		if e.empty() {
			p.destroy(e)
		}
	}
	empty := len(p.entries) == 0
	p.mu.Unlock()

	n := len(rebuilt)
	p.manager.publish(rebuilt)
	p.manager.mu.RUnlock()

	if n > 0 {
		log.G(ctx).WithFields(log.Fields{
			"partition": p.index,
			"rebuilds":  n,
		}).Debug("Drained partition work queue")
	}
	if empty {
		p.manager.partitionEmptied(ctx)
	}
	return n
}

// run processes the work queue until ctx is done.
func (p *Partition) run(ctx context.Context) {
	p.queue.Run(ctx, p.limiter, func(ctx context.Context) {
		p.drain(ctx)
	})
}

// apply handles one membership event for a flow hashed to this partition.
func (p *Partition) apply(ctx context.Context, ev ForwarderEvent, registry *labelrange.Registry) error {
	if ev.Op == OpDelete {
		return p.remove(ctx, ev.Key())
	}

	var lr *labelrange.LabelRange
	if ev.Kind == Local {
		var err error
		lr, err = registry.Locate(ev.Attrs.LabelFirst, ev.Attrs.LabelLast)
		if err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := ev.Key()
	e := p.locateOrCreate(key.Flow)
	f := e.lookup(key.Peer)

	if f != nil && f.kind != ev.Kind {
		// A forwarder changing kind is replaced outright.
		if err := p.removeLocked(ctx, e, f); err != nil {
			if lr != nil {
				lr.Unref()
			}
			return err
		}
		f = nil
	}

	if f == nil {
		f = newForwarder(e, ev.Kind, key.Peer, ev.Attrs, lr)
		_ = f.allocateLabel(ctx)
		e.addForwarder(f)
		log.G(ctx).WithFields(log.Fields{
			"forwarder": f.String(),
			"kind":      f.kind.String(),
			"label":     f.Label(),
		}).Debug("Forwarder joined flow")
		return nil
	}

	oldRD := f.attrs.RouteDistinguisher
	rekeyed := oldRD != ev.Attrs.RouteDistinguisher
	if rekeyed {
		e.rekey(f, ev.Attrs.RouteDistinguisher)
	}
	changed, err := f.update(ctx, ev.Attrs, lr)
	if err != nil {
		if rekeyed {
			e.rekey(f, oldRD)
		}
		return err
	}
	if f.label == 0 {
		_ = f.allocateLabel(ctx)
	}
	if changed || rekeyed {
		p.enqueue(e)
	}
	return nil
}

func (p *Partition) remove(ctx context.Context, key ForwarderKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key.Flow]
	if !ok {
		log.G(ctx).WithField("forwarder", key.String()).Debug("Ignoring delete for unknown flow")
		return nil
	}
	f := e.lookup(key.Peer)
	if f == nil {
		log.G(ctx).WithField("forwarder", key.String()).Debug("Ignoring delete for unknown forwarder")
		return nil
	}
	return p.removeLocked(ctx, e, f)
}

func (p *Partition) removeLocked(ctx context.Context, e *FlowEntry, f *Forwarder) error {
	if err := f.releaseLabel(ctx); err != nil {
		return err
	}
	e.removeForwarder(f)
	if err := f.dispose(ctx); err != nil {
		return err
	}
	log.G(ctx).WithField("forwarder", f.String()).Debug("Forwarder left flow")
	return nil
}

// lookup returns the forwarder for key. Caller must hold p.mu.
func (p *Partition) lookup(key ForwarderKey) *Forwarder {
	e, ok := p.entries[key.Flow]
	if !ok {
		return nil
	}
	return e.lookup(key.Peer)
}
