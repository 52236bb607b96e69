package ermvpn

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"

	"github.com/containerd/errdefs"
)

// FlowKey identifies a multicast flow. An invalid (zero) Source stands for
// any source.
type FlowKey struct {
	Group  netip.Addr
	Source netip.Addr
}

func (k FlowKey) String() string {
	src := "*"
	if k.Source.IsValid() {
		src = k.Source.String()
	}
	return fmt.Sprintf("(%s,%s)", k.Group, src)
}

// Compare orders flow keys by group, then source.
func (k FlowKey) Compare(o FlowKey) int {
	if c := k.Group.Compare(o.Group); c != 0 {
		return c
	}
	return k.Source.Compare(o.Source)
}

// ForwarderKey identifies one forwarder within a flow.
type ForwarderKey struct {
	Flow FlowKey
	Peer string
}

func (k ForwarderKey) String() string {
	return k.Flow.String() + "/" + k.Peer
}

// Kind tells how a forwarder obtains its label.
type Kind int

const (
	// Local forwarders are natively attached endpoints. They advertise a
	// label range and are handed a label out of it.
	Local Kind = iota
	// Remote forwarders are learned from a peer that signals its own label.
	Remote
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "local", "":
		*k = Local
	case "remote":
		*k = Remote
	default:
		return fmt.Errorf("unknown forwarder kind %q: %w", text, errdefs.ErrInvalidArgument)
	}
	return nil
}

// Op is the membership change carried by a ForwarderEvent.
type Op int

const (
	OpAdd Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Op) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Op) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "add":
		*o = OpAdd
	case "update", "change":
		*o = OpUpdate
	case "delete", "del", "withdraw":
		*o = OpDelete
	default:
		return fmt.Errorf("unknown op %q: %w", text, errdefs.ErrInvalidArgument)
	}
	return nil
}

// Attrs are the advertised properties of a forwarder.
type Attrs struct {
	// Address is the forwarder's tunnel endpoint.
	Address netip.Addr `json:"address"`
	// RouteDistinguisher orders forwarders when building the tree.
	RouteDistinguisher string `json:"rd,omitempty"`
	// Label is the label signaled by a remote forwarder.
	Label uint32 `json:"label,omitempty"`
	// LabelFirst and LabelLast bound the range a local forwarder draws its
	// label from.
	LabelFirst uint32 `json:"label_first,omitempty"`
	LabelLast  uint32 `json:"label_last,omitempty"`
	// Encap lists the tunnel encapsulations the forwarder accepts.
	Encap []string `json:"encap,omitempty"`
}

func (a Attrs) equal(o Attrs) bool {
	return a.Address == o.Address &&
		a.RouteDistinguisher == o.RouteDistinguisher &&
		a.Label == o.Label &&
		a.LabelFirst == o.LabelFirst &&
		a.LabelLast == o.LabelLast &&
		slices.Equal(a.Encap, o.Encap)
}

func (a Attrs) clone() Attrs {
	a.Encap = slices.Clone(a.Encap)
	return a
}

// ForwarderEvent reports that a forwarder joined, changed or left a flow.
type ForwarderEvent struct {
	Group  netip.Addr `json:"group"`
	Source netip.Addr `json:"source"`
	Peer   string     `json:"peer"`
	Kind   Kind       `json:"kind"`
	Op     Op         `json:"op"`
	Attrs  Attrs      `json:"attrs"`
}

// Key returns the forwarder the event applies to.
func (ev ForwarderEvent) Key() ForwarderKey {
	return ForwarderKey{Flow: FlowKey{Group: ev.Group, Source: ev.Source}, Peer: ev.Peer}
}

// Validate checks that the event is well formed.
func (ev ForwarderEvent) Validate() error {
	if !ev.Group.IsValid() {
		return fmt.Errorf("event for peer %q: missing group: %w", ev.Peer, errdefs.ErrInvalidArgument)
	}
	if ev.Peer == "" {
		return fmt.Errorf("event for flow %s: missing peer: %w", ev.Key().Flow, errdefs.ErrInvalidArgument)
	}
	switch ev.Op {
	case OpAdd, OpUpdate:
	case OpDelete:
		return nil
	default:
		return fmt.Errorf("event %s: %s: %w", ev.Key(), ev.Op, errdefs.ErrInvalidArgument)
	}
	switch ev.Kind {
	case Local:
		if ev.Attrs.LabelFirst == 0 || ev.Attrs.LabelFirst > ev.Attrs.LabelLast {
			return fmt.Errorf("event %s: invalid label range %d-%d: %w",
				ev.Key(), ev.Attrs.LabelFirst, ev.Attrs.LabelLast, errdefs.ErrInvalidArgument)
		}
	case Remote:
	default:
		return fmt.Errorf("event %s: %s: %w", ev.Key(), ev.Kind, errdefs.ErrInvalidArgument)
	}
	return nil
}

// NeighborInfo describes one tree neighbor of a forwarder.
type NeighborInfo struct {
	Address netip.Addr `json:"address"`
	Label   uint32     `json:"label"`
	Encap   []string   `json:"encap,omitempty"`
}

// UpdateInfo is what a forwarder needs to program replication: its own
// label and the neighbors it replicates to.
type UpdateInfo struct {
	Label     uint32         `json:"label"`
	Neighbors []NeighborInfo `json:"neighbors"`
}

// TreeEvent is published to subscribers each time the tree of a flow is
// rebuilt.
type TreeEvent struct {
	Flow FlowKey
	// Forwarders is the flow membership, Tree the number of forwarders
	// with a label that made it into the tree. Both are zero once the flow
	// is gone.
	Forwarders int
	Tree       int
}
