package ermvpn

// The distribution tree is a bounded-degree tree laid out breadth first over
// the ordered forwarders of a flow. No node may have more than degree
// neighbors: the root has degree children, every other node has degree-1
// children besides its parent.
//
//	degree 4, 9 forwarders:
//
//	              0
//	   ┌────┬─────┴──┬────┐
//	   1    2        3    4
//	 ┌─┼─┐  │
//	 5 6 7  8

// childRange returns the half-open interval of the indices of node i's
// children in a tree of n nodes.
func childRange(i, n, degree int) (lo, hi int) {
	if i == 0 {
		lo, hi = 1, 1+degree
	} else {
		lo = degree + (i-1)*(degree-1) + 1
		hi = lo + degree - 1
	}
	return min(lo, n), min(hi, n)
}

// parentIndex returns the index of the parent of node j > 0.
func parentIndex(j, degree int) int {
	if j <= degree {
		return 0
	}
	return 1 + (j-degree-1)/(degree-1)
}

// linkTree links nodes, which must have no links, into a tree. Every edge is
// recorded on both ends.
func linkTree(nodes []*Forwarder, degree int) {
	for i, parent := range nodes {
		lo, hi := childRange(i, len(nodes), degree)
		if lo >= hi {
			// Child ranges are increasing; nobody after i has children.
			return
		}
		for _, child := range nodes[lo:hi] {
			parent.addLink(child)
			child.addLink(parent)
		}
	}
}
