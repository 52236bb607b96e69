package ermvpn

import (
	"context"
	"fmt"
	"slices"

	"github.com/containerd/log"
)

// FlowEntry is the membership of one flow. It is owned by a Partition and
// only touched under the partition's lock.
type FlowEntry struct {
	partition *Partition
	key       FlowKey

	// forwarders is kept sorted by compareForwarders.
	forwarders []*Forwarder
	byPeer     map[string]*Forwarder

	// queued is set while the entry waits in the partition's work queue.
	queued bool
}

func newFlowEntry(p *Partition, key FlowKey) *FlowEntry {
	return &FlowEntry{
		partition: p,
		key:       key,
		byPeer:    map[string]*Forwarder{},
	}
}

// Key returns the flow identity.
func (e *FlowEntry) Key() FlowKey {
	return e.key
}

// Len returns the number of forwarders in the flow.
func (e *FlowEntry) Len() int {
	return len(e.forwarders)
}

// waiters returns the wait list of the owning manager, nil for a detached
// entry.
func (e *FlowEntry) waiters() *waitList {
	if e.partition == nil || e.partition.manager == nil {
		return nil
	}
	return e.partition.manager.waiters
}

func (e *FlowEntry) empty() bool {
	return len(e.forwarders) == 0
}

func (e *FlowEntry) lookup(peer string) *Forwarder {
	return e.byPeer[peer]
}

func (e *FlowEntry) insert(f *Forwarder) {
	n, found := slices.BinarySearchFunc(e.forwarders, f, compareForwarders)
	if found {
		panic(fmt.Sprintf("ermvpn: forwarder %s already in flow", f))
	}
	e.forwarders = slices.Insert(e.forwarders, n, f)
}

func (e *FlowEntry) unlink(f *Forwarder) {
	n, found := slices.BinarySearchFunc(e.forwarders, f, compareForwarders)
	if !found || e.forwarders[n] != f {
		panic(fmt.Sprintf("ermvpn: forwarder %s not in flow", f))
	}
	e.forwarders = slices.Delete(e.forwarders, n, n+1)
}

// addForwarder adds f to the flow and schedules a rebuild.
func (e *FlowEntry) addForwarder(f *Forwarder) {
	e.insert(f)
	e.byPeer[f.peer] = f
	forwardersGauge.Inc()
	e.partition.enqueue(e)
}

// removeForwarder takes f out of the flow and schedules a rebuild. An entry
// left empty is destroyed by the partition once the rebuild runs.
func (e *FlowEntry) removeForwarder(f *Forwarder) {
	f.flushLinks()
	e.unlink(f)
	delete(e.byPeer, f.peer)
	forwardersGauge.Dec()
	e.partition.enqueue(e)
}

// rekey moves f to the position matching route distinguisher rd.
func (e *FlowEntry) rekey(f *Forwarder, rd string) {
	e.unlink(f)
	f.attrs.RouteDistinguisher = rd
	e.insert(f)
}

// rebuildTree recomputes the distribution tree from scratch. Local
// forwarders still waiting for a label get another allocation attempt;
// forwarders without a label stay out of the tree.
func (e *FlowEntry) rebuildTree(ctx context.Context, degree int) TreeEvent {
	for _, f := range e.forwarders {
		f.flushLinks()
	}

	nodes := make([]*Forwarder, 0, len(e.forwarders))
	for _, f := range e.forwarders {
		if !f.ready() {
			_ = f.allocateLabel(ctx)
		}
		if f.ready() {
			nodes = append(nodes, f)
		}
	}
	linkTree(nodes, degree)

	log.G(ctx).WithFields(log.Fields{
		"flow":       e.key.String(),
		"forwarders": len(e.forwarders),
		"tree":       len(nodes),
	}).Debug("Rebuilt distribution tree")

	return TreeEvent{Flow: e.key, Forwarders: len(e.forwarders), Tree: len(nodes)}
}
