package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"slices"

	"github.com/containerd/errdefs"
	"github.com/moby/ermvpn/libnetwork/ermvpn"
)

const maxEventSize = 1 << 20

// replay applies every event read from r, one JSON object per line. Blank
// lines and lines starting with '#' are skipped.
func replay(ctx context.Context, tm *ermvpn.TreeManager, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var n, line int
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 || data[0] == '#' {
			continue
		}
		var ev ermvpn.ForwarderEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return n, fmt.Errorf("line %d: %v: %w", line, err, errdefs.ErrInvalidArgument)
		}
		if err := tm.OnForwarderEvent(ctx, ev); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	return n, scanner.Err()
}

type update struct {
	Group  netip.Addr `json:"group"`
	Source netip.Addr `json:"source,omitzero"`
	Peer   string     `json:"peer"`
	*ermvpn.UpdateInfo
}

// writeUpdates prints the update of every ready forwarder, ordered by flow
// then peer.
func writeUpdates(w io.Writer, tm *ermvpn.TreeManager) error {
	enc := json.NewEncoder(w)
	for _, flow := range tm.Flows() {
		peers := tm.Forwarders(flow)
		slices.Sort(peers)
		for _, peer := range peers {
			info := tm.BuildUpdateFor(ermvpn.ForwarderKey{Flow: flow, Peer: peer})
			if info == nil {
				continue
			}
			if err := enc.Encode(update{Group: flow.Group, Source: flow.Source, Peer: peer, UpdateInfo: info}); err != nil {
				return err
			}
		}
	}
	return nil
}
