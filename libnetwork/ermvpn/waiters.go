package ermvpn

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/moby/ermvpn/libnetwork/labelrange"
)

type rangeBounds struct {
	first, last uint32
}

func boundsOf(lr *labelrange.LabelRange) rangeBounds {
	return rangeBounds{lr.First(), lr.Last()}
}

// waitList tracks flows holding Local forwarders that found their label range
// full. A label released back to such a range wakes every flow waiting on it
// so that its next rebuild retries the allocation.
//
// mu is taken after partition locks. A nil waitList ignores every call.
type waitList struct {
	mu      sync.Mutex
	waiting map[rangeBounds]mapset.Set[FlowKey]
	woken   mapset.Set[FlowKey]
}

func newWaitList() *waitList {
	return &waitList{
		waiting: map[rangeBounds]mapset.Set[FlowKey]{},
		woken:   mapset.NewThreadUnsafeSet[FlowKey](),
	}
}

// wait records that flow has a forwarder blocked on lr.
func (w *waitList) wait(lr *labelrange.LabelRange, flow FlowKey) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	key := boundsOf(lr)
	flows, ok := w.waiting[key]
	if !ok {
		flows = mapset.NewThreadUnsafeSet[FlowKey]()
		w.waiting[key] = flows
	}
	flows.Add(flow)
}

// freed moves the flows waiting on lr to the woken set.
func (w *waitList) freed(lr *labelrange.LabelRange) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	key := boundsOf(lr)
	if flows, ok := w.waiting[key]; ok {
		w.woken = w.woken.Union(flows)
		delete(w.waiting, key)
	}
}

// forget drops flow from every wait set.
func (w *waitList) forget(flow FlowKey) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	for key, flows := range w.waiting {
		flows.Remove(flow)
		if flows.Cardinality() == 0 {
			delete(w.waiting, key)
		}
	}
	w.woken.Remove(flow)
}

// takeWoken returns and clears the woken flows.
func (w *waitList) takeWoken() []FlowKey {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.woken.Cardinality() == 0 {
		return nil
	}
	flows := w.woken.ToSlice()
	w.woken.Clear()
	return flows
}

// len returns the number of ranges with waiting flows.
func (w *waitList) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiting)
}
