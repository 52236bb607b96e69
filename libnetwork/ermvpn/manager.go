// Package ermvpn computes edge-replication trees for multicast flows.
//
// Forwarders join and leave flows through ForwarderEvents. Flows are sharded
// over a fixed set of partitions by a hash of (group, source); each partition
// batches membership changes and rebuilds the bounded-degree distribution
// tree of a changed flow once per drain of its work queue. The resulting
// label and neighbor list of a forwarder is read back with BuildUpdateFor.
package ermvpn

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/moby/ermvpn/libnetwork/labelrange"
	"github.com/moby/pubsub"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultDegree is the default maximum number of tree neighbors per
// forwarder.
const DefaultDegree = 4

// State is the lifecycle state of a TreeManager.
type State int

const (
	// Active managers accept all events.
	Active State = iota
	// Draining managers only accept deletes and wait for their flows to go
	// away.
	Draining
	// Terminated managers hold no state and can be dropped.
	Terminated
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configure a TreeManager.
type Options struct {
	// Partitions must match the partition count of the table feeding the
	// manager.
	Partitions int
	// Degree bounds the number of neighbors of every forwarder. Zero means
	// DefaultDegree.
	Degree int
	// RebuildRate limits how often a partition drains its work queue, in
	// drains per second. Zero disables pacing.
	RebuildRate float64
	// RebuildBurst is the limiter burst when RebuildRate is set.
	RebuildBurst int
}

// TreeManager owns the partitions of one routing-instance table.
type TreeManager struct {
	degree     int
	registry   *labelrange.Registry
	partitions []*Partition
	publisher  *pubsub.Publisher
	waiters    *waitList

	// mu guards state. Event handlers and drains hold it shared so that
	// termination cannot race a join or an unpublished rebuild.
	mu    sync.RWMutex
	state State
	done  chan struct{}
}

// New creates a manager with opts.Partitions partitions. Local forwarders
// draw their labels from ranges located in registry.
func New(opts Options, registry *labelrange.Registry) (*TreeManager, error) {
	if opts.Partitions < 1 {
		return nil, fmt.Errorf("partition count %d: %w", opts.Partitions, errdefs.ErrInvalidArgument)
	}
	if opts.Degree == 0 {
		opts.Degree = DefaultDegree
	}
	if opts.Degree < 2 {
		return nil, fmt.Errorf("tree degree %d: must be at least 2: %w", opts.Degree, errdefs.ErrInvalidArgument)
	}
	if opts.RebuildRate < 0 {
		return nil, fmt.Errorf("rebuild rate %v: %w", opts.RebuildRate, errdefs.ErrInvalidArgument)
	}
	if registry == nil {
		registry = labelrange.NewRegistry()
	}

	tm := &TreeManager{
		degree:    opts.Degree,
		registry:  registry,
		publisher: pubsub.NewPublisher(100*time.Millisecond, 1024),
		waiters:   newWaitList(),
		done:      make(chan struct{}),
	}
	tm.partitions = make([]*Partition, opts.Partitions)
	for i := range tm.partitions {
		var limiter *rate.Limiter
		if opts.RebuildRate > 0 {
			limiter = rate.NewLimiter(rate.Limit(opts.RebuildRate), max(opts.RebuildBurst, 1))
		}
		tm.partitions[i] = newPartition(tm, i, limiter)
	}
	return tm, nil
}

// Degree returns the neighbor bound of the manager's trees.
func (tm *TreeManager) Degree() int {
	return tm.degree
}

// Registry returns the label range registry local forwarders draw from.
func (tm *TreeManager) Registry() *labelrange.Registry {
	return tm.registry
}

// PartitionCount returns the number of partitions.
func (tm *TreeManager) PartitionCount() int {
	return len(tm.partitions)
}

// Partition returns partition i.
func (tm *TreeManager) Partition(i int) *Partition {
	return tm.partitions[i]
}

// PartitionFor returns the partition that owns flow.
func (tm *TreeManager) PartitionFor(flow FlowKey) *Partition {
	return tm.partitions[partitionIndex(flow, len(tm.partitions))]
}

func partitionIndex(flow FlowKey, n int) int {
	buf := make([]byte, 0, 34)
	buf = append(buf, flow.Group.AsSlice()...)
	buf = append(buf, 0)
	buf = append(buf, flow.Source.AsSlice()...)
	return int(xxhash.Sum64(buf) % uint64(n))
}

// OnForwarderEvent applies a membership change. It returns once the change
// is recorded; the affected tree is rebuilt when the partition next drains.
func (tm *TreeManager) OnForwarderEvent(ctx context.Context, ev ForwarderEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	tm.mu.RLock()
	defer tm.mu.RUnlock()

	switch tm.state {
	case Active:
	case Draining:
		if ev.Op != OpDelete {
			return fmt.Errorf("%s %s: tree manager is %s: %w", ev.Op, ev.Key(), tm.state, errdefs.ErrUnavailable)
		}
	default:
		return fmt.Errorf("%s %s: tree manager is %s: %w", ev.Op, ev.Key(), tm.state, errdefs.ErrUnavailable)
	}

	p := tm.PartitionFor(ev.Key().Flow)
	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"partition": p.index,
		"op":        ev.Op.String(),
	}))
	eventsCounter.WithValues(ev.Op.String()).Inc()
	err := p.apply(ctx, ev, tm.registry)
	tm.wakeWaiters(ctx)
	return err
}

// wakeWaiters schedules a rebuild of every flow waiting on a label range that
// got a label back. No partition lock may be held.
func (tm *TreeManager) wakeWaiters(ctx context.Context) {
	flows := tm.waiters.takeWoken()
	if len(flows) == 0 {
		return
	}
	for _, flow := range flows {
		p := tm.PartitionFor(flow)
		p.mu.Lock()
		if e, ok := p.entries[flow]; ok {
			p.enqueue(e)
		}
		p.mu.Unlock()
	}
	log.G(ctx).WithField("flows", len(flows)).Debug("Woke flows waiting for a label")
}

// BuildUpdateFor returns the label and tree neighbors of a forwarder, or nil
// if the forwarder is unknown or has no label yet.
func (tm *TreeManager) BuildUpdateFor(key ForwarderKey) *UpdateInfo {
	p := tm.PartitionFor(key.Flow)
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.lookup(key)
	if f == nil {
		return nil
	}
	return f.BuildUpdate()
}

// Neighbors returns the peers linked to a forwarder, in link order.
func (tm *TreeManager) Neighbors(key ForwarderKey) []string {
	p := tm.PartitionFor(key.Flow)
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.lookup(key)
	if f == nil {
		return nil
	}
	var peers []string
	for _, n := range f.neighbors() {
		peers = append(peers, n.peer)
	}
	return peers
}

// FlowForwarderCount returns the number of forwarders in a flow.
func (tm *TreeManager) FlowForwarderCount(flow FlowKey) int {
	p := tm.PartitionFor(flow)
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[flow]
	if !ok {
		return 0
	}
	return e.Len()
}

// Forwarders returns the peers of a flow in tree order.
func (tm *TreeManager) Forwarders(flow FlowKey) []string {
	p := tm.PartitionFor(flow)
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[flow]
	if !ok {
		return nil
	}
	peers := make([]string, 0, e.Len())
	for _, f := range e.forwarders {
		peers = append(peers, f.peer)
	}
	return peers
}

// Flows returns every known flow, sorted.
func (tm *TreeManager) Flows() []FlowKey {
	var flows []FlowKey
	for _, p := range tm.partitions {
		p.mu.Lock()
		for k := range p.entries {
			flows = append(flows, k)
		}
		p.mu.Unlock()
	}
	slices.SortFunc(flows, FlowKey.Compare)
	return flows
}

// PartitionStats returns the diagnostic counters of every partition.
func (tm *TreeManager) PartitionStats() []PartitionStats {
	stats := make([]PartitionStats, 0, len(tm.partitions))
	for _, p := range tm.partitions {
		stats = append(stats, p.Stats())
	}
	return stats
}

// Sync drains the work queue of every partition on the calling goroutine and
// returns the number of trees rebuilt.
func (tm *TreeManager) Sync(ctx context.Context) int {
	n := 0
	for _, p := range tm.partitions {
		n += p.drain(ctx)
	}
	return n
}

// Run drains partition work queues in the background until ctx is done or
// the manager terminates.
func (tm *TreeManager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	for _, p := range tm.partitions {
		eg.Go(func() error {
			p.run(ctx)
			return nil
		})
	}
	eg.Go(func() error {
		select {
		case <-tm.done:
			cancel()
		case <-ctx.Done():
		}
		return nil
	})
	return eg.Wait()
}

// Subscribe returns a channel receiving a TreeEvent for every tree rebuild.
// The channel is closed when the manager terminates or the subscription is
// dropped with Unsubscribe.
func (tm *TreeManager) Subscribe() chan any {
	return tm.publisher.Subscribe()
}

// SubscribeFlow is like Subscribe but only delivers rebuilds of flow.
func (tm *TreeManager) SubscribeFlow(flow FlowKey) chan any {
	return tm.publisher.SubscribeTopic(func(v any) bool {
		ev, ok := v.(TreeEvent)
		return ok && ev.Flow == flow
	})
}

// Unsubscribe drops a subscription and closes its channel.
func (tm *TreeManager) Unsubscribe(ch chan any) {
	tm.publisher.Evict(ch)
}

func (tm *TreeManager) publish(events []TreeEvent) {
	if tm.publisher.Len() == 0 {
		return
	}
	for _, ev := range events {
		tm.publisher.Publish(ev)
	}
}

// State returns the lifecycle state.
func (tm *TreeManager) State() State {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.state
}

// Done is closed once the manager is terminated.
func (tm *TreeManager) Done() <-chan struct{} {
	return tm.done
}

// Terminate stops accepting joins. Pending work and deletes are still
// processed; the manager becomes Terminated when every partition is empty.
func (tm *TreeManager) Terminate(ctx context.Context) {
	tm.mu.Lock()
	if tm.state == Active {
		tm.state = Draining
		log.G(ctx).Info("Tree manager draining")
	}
	tm.mu.Unlock()
	tm.partitionEmptied(ctx)
}

// partitionEmptied moves a draining manager to Terminated once all
// partitions are empty.
func (tm *TreeManager) partitionEmptied(ctx context.Context) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.state != Draining {
		return
	}
	for _, p := range tm.partitions {
		if !p.Empty() {
			return
		}
	}
	tm.state = Terminated
	close(tm.done)
	tm.publisher.Close()
	log.G(ctx).Info("Tree manager terminated")
}
