package ermvpn

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/containerd/log"
	"github.com/moby/ermvpn/libnetwork/labelrange"
)

// Forwarder is one endpoint that joined a flow. All fields are guarded by the
// owning partition's lock.
type Forwarder struct {
	entry *FlowEntry
	kind  Kind
	peer  string
	attrs Attrs

	// label is the label allocated to a Local forwarder out of labelRange.
	// Remote forwarders keep it at zero and use attrs.Label.
	label      uint32
	labelRange *labelrange.LabelRange

	links []*Forwarder
}

func newForwarder(entry *FlowEntry, kind Kind, peer string, attrs Attrs, lr *labelrange.LabelRange) *Forwarder {
	return &Forwarder{
		entry:      entry,
		kind:       kind,
		peer:       peer,
		attrs:      attrs.clone(),
		labelRange: lr,
	}
}

func (f *Forwarder) String() string {
	return fmt.Sprintf("%s/%s", f.entry.key, f.peer)
}

// compareForwarders is the tree order: route distinguisher, then peer name.
// Peers are unique within a flow, so only a forwarder compares equal to
// itself.
func compareForwarders(a, b *Forwarder) int {
	return cmp.Or(
		cmp.Compare(a.attrs.RouteDistinguisher, b.attrs.RouteDistinguisher),
		cmp.Compare(a.peer, b.peer),
	)
}

// Label returns the label traffic to this forwarder is sent with, or zero
// when it has none yet.
func (f *Forwarder) Label() uint32 {
	if f.kind == Remote {
		return f.attrs.Label
	}
	return f.label
}

func (f *Forwarder) ready() bool {
	return f.Label() != 0
}

// update applies new attributes. lr is a fresh reference to the range the
// attributes name (nil for remote forwarders); update consumes it. The
// current label is released only when the label range changes.
func (f *Forwarder) update(ctx context.Context, attrs Attrs, lr *labelrange.LabelRange) (bool, error) {
	if f.labelRange == lr {
		if lr != nil {
			lr.Unref()
		}
		if f.attrs.equal(attrs) {
			return false, nil
		}
		f.attrs = attrs.clone()
		return true, nil
	}

	if err := f.releaseLabel(ctx); err != nil {
		if lr != nil {
			lr.Unref()
		}
		return false, err
	}
	if f.labelRange != nil {
		f.labelRange.Unref()
	}
	f.labelRange = lr
	f.attrs = attrs.clone()
	return true, nil
}

// allocateLabel draws a label from the forwarder's range. Exhaustion leaves
// the forwarder without a label and puts its flow on the wait list; a label
// released to the range, or the next rebuild of the flow, retries.
func (f *Forwarder) allocateLabel(ctx context.Context) error {
	if f.kind != Local || f.label != 0 || f.labelRange == nil {
		return nil
	}
	label, err := f.labelRange.Allocate()
	if errors.Is(err, labelrange.ErrLabelExhausted) {
		// Wait first, then look again: a release in between would
		// otherwise find nobody to wake.
		f.entry.waiters().wait(f.labelRange, f.entry.key)
		label, err = f.labelRange.Allocate()
	}
	if err != nil {
		if errors.Is(err, labelrange.ErrLabelExhausted) {
			labelExhausted.Inc()
			log.G(ctx).WithFields(log.Fields{
				"forwarder": f.String(),
				"range":     f.labelRange.String(),
			}).Warn("No label available for forwarder")
		}
		return err
	}
	labelAllocations.Inc()
	f.label = label
	return nil
}

// releaseLabel gives the forwarder's label back to its range and wakes the
// flows waiting for one.
func (f *Forwarder) releaseLabel(ctx context.Context) error {
	if f.label == 0 {
		return nil
	}
	if err := f.labelRange.Release(f.label); err != nil {
		log.G(ctx).WithError(err).WithField("forwarder", f.String()).Error("Failed to release label")
		return err
	}
	f.label = 0
	f.entry.waiters().freed(f.labelRange)
	return nil
}

// dispose drops the forwarder's label and range reference. The forwarder
// must already be unlinked.
func (f *Forwarder) dispose(ctx context.Context) error {
	if len(f.links) != 0 {
		panic(fmt.Sprintf("ermvpn: forwarder %s disposed with %d links", f, len(f.links)))
	}
	if err := f.releaseLabel(ctx); err != nil {
		return err
	}
	if f.labelRange != nil {
		f.labelRange.Unref()
		f.labelRange = nil
	}
	return nil
}

func (f *Forwarder) findLink(other *Forwarder) bool {
	return slices.Contains(f.links, other)
}

func (f *Forwarder) addLink(other *Forwarder) {
	if other == f || f.findLink(other) {
		return
	}
	f.links = append(f.links, other)
}

func (f *Forwarder) removeLink(other *Forwarder) {
	if i := slices.Index(f.links, other); i >= 0 {
		f.links = slices.Delete(f.links, i, i+1)
	}
}

// flushLinks drops every link of f, on both ends.
func (f *Forwarder) flushLinks() {
	for _, n := range f.links {
		n.removeLink(f)
	}
	clear(f.links)
	f.links = f.links[:0]
}

// neighbors returns the forwarders f is linked to.
func (f *Forwarder) neighbors() []*Forwarder {
	return slices.Clone(f.links)
}

// BuildUpdate returns the replication state of f, or nil if f has no label
// yet. Neighbors without a label are left out.
func (f *Forwarder) BuildUpdate() *UpdateInfo {
	if !f.ready() {
		return nil
	}
	info := &UpdateInfo{Label: f.Label(), Neighbors: []NeighborInfo{}}
	for _, n := range f.links {
		if !n.ready() {
			continue
		}
		info.Neighbors = append(info.Neighbors, NeighborInfo{
			Address: n.attrs.Address,
			Label:   n.Label(),
			Encap:   slices.Clone(n.attrs.Encap),
		})
	}
	return info
}
