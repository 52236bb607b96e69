package ermvpn

import "github.com/docker/go-metrics"

var (
	treeRebuilds     metrics.Counter
	labelAllocations metrics.Counter
	labelExhausted   metrics.Counter
	eventsCounter    metrics.LabeledCounter
	flowsGauge       metrics.Gauge
	forwardersGauge  metrics.Gauge
)

func init() {
	ns := metrics.NewNamespace("ermvpn", "tree", nil)
	treeRebuilds = ns.NewCounter("rebuilds", "The number of distribution tree rebuilds")
	labelAllocations = ns.NewCounter("label_allocations", "The number of labels handed out to local forwarders")
	labelExhausted = ns.NewCounter("label_exhausted", "The number of label allocations that found the range full")
	eventsCounter = ns.NewLabeledCounter("events", "The number of forwarder events received", "op")
	for _, op := range []Op{OpAdd, OpUpdate, OpDelete} {
		eventsCounter.WithValues(op.String()).Inc(0)
	}
	flowsGauge = ns.NewGauge("flows", "The number of multicast flows with state", metrics.Unit("flows"))
	forwardersGauge = ns.NewGauge("forwarders", "The number of forwarders joined to flows", metrics.Unit("forwarders"))
	metrics.Register(ns)
}
