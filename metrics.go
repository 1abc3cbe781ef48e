package gocsp

import (
	"github.com/gocsp/gocsp/pkg/conn"
	"github.com/gocsp/gocsp/pkg/iface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "gocsp"

// initMetrics registers the stack's registry with the standard Go/process
// collectors plus the pool occupancy gauge, dedup-hit counter,
// RDP-retransmit gauge, and per-interface counters, following caddy.Context.initMetrics's
// MustRegister-a-fixed-set idiom.
func (s *Stack) initMetrics() {
	factory := promauto.With(s.registry)

	s.poolOccupied = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "pool",
		Name:      "occupied_buffers",
		Help:      "Number of packet buffers currently checked out of the pool.",
	}, func() float64 {
		return float64(s.Pool.Count() - s.Pool.Remaining())
	})

	factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "dedup",
		Name:      "hits_total",
		Help:      "Packets dropped by the router as exact duplicates within the dedup window.",
	}, func() float64 {
		return float64(s.Dedup.Hits())
	})

	// A gauge, not a counter: each connection slot's retransmit count resets
	// when the slot is reallocated to a new connection, so the sum across
	// live slots is not monotonic over the stack's lifetime.
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "rdp",
		Name:      "retransmits_current",
		Help:      "RDP packets resent across every currently allocated connection slot.",
	}, func() float64 {
		var total uint64
		s.Conns.Each(func(c *conn.Connection) {
			if c.RDP != nil {
				total += c.RDP.Retransmits()
			}
		})
		return float64(total)
	})

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newInterfaceCollector(s.Ifaces),
	)
}

// Metrics returns the stack's Prometheus registry, for mounting under an
// HTTP handler (e.g. promhttp.HandlerFor).
func (s *Stack) Metrics() *prometheus.Registry {
	return s.registry
}

// interfaceCollector exposes every registered interface's spec §3 counters
// at scrape time rather than as fixed-at-registration GaugeVecs, since
// interfaces (and bridges) can be attached to the stack after initMetrics
// has already run.
type interfaceCollector struct {
	ifaces *iface.List

	tx, rx, txErr, rxErr, drop, authErr, frame *prometheus.Desc
}

func newInterfaceCollector(ifaces *iface.List) *interfaceCollector {
	labels := []string{"interface"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "iface", name), help, labels, nil)
	}
	return &interfaceCollector{
		ifaces:  ifaces,
		tx:      desc("tx_total", "Packets transmitted on this interface."),
		rx:      desc("rx_total", "Packets received on this interface."),
		txErr:   desc("tx_errors_total", "Transmit failures on this interface."),
		rxErr:   desc("rx_errors_total", "Receive/decode failures on this interface."),
		drop:    desc("drops_total", "Packets dropped for this interface (no route, full queue)."),
		authErr: desc("auth_errors_total", "Packets failing integrity verification on this interface."),
		frame:   desc("frame_errors_total", "Malformed frames seen on this interface."),
	}
}

func (c *interfaceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tx
	ch <- c.rx
	ch <- c.txErr
	ch <- c.rxErr
	ch <- c.drop
	ch <- c.authErr
	ch <- c.frame
}

func (c *interfaceCollector) Collect(ch chan<- prometheus.Metric) {
	c.ifaces.Each(func(i *iface.Interface) {
		st := i.Stats()
		ch <- prometheus.MustNewConstMetric(c.tx, prometheus.CounterValue, float64(st.Tx), i.Name)
		ch <- prometheus.MustNewConstMetric(c.rx, prometheus.CounterValue, float64(st.Rx), i.Name)
		ch <- prometheus.MustNewConstMetric(c.txErr, prometheus.CounterValue, float64(st.TxError), i.Name)
		ch <- prometheus.MustNewConstMetric(c.rxErr, prometheus.CounterValue, float64(st.RxError), i.Name)
		ch <- prometheus.MustNewConstMetric(c.drop, prometheus.CounterValue, float64(st.Drop), i.Name)
		ch <- prometheus.MustNewConstMetric(c.authErr, prometheus.CounterValue, float64(st.AuthErr), i.Name)
		ch <- prometheus.MustNewConstMetric(c.frame, prometheus.CounterValue, float64(st.Frame), i.Name)
	})
}
