// Package metrics registers the bridge engine's Prometheus metrics, in the
// style of ap.serviced's dhcp4.go: prometheus.Counter/Gauge fields of a
// Metrics value populated once at startup and registered on the default registry,
// with /metrics served by promhttp.Handler() the way every ap.* daemon does
// (spec.md §7's "observable via status").
package metrics

import (
	"apbridged/bridge_common/state"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge engine's registered collectors.
type Metrics struct {
	Phase            prometheus.Gauge
	ClientCount      prometheus.Gauge
	MacCloned        prometheus.Gauge
	ForwardingActive prometheus.Gauge
	MacNatEntries    prometheus.Gauge

	// The counters below are registered and exported, but no component in
	// this repository increments them, so they always read zero.
	CloneTransactions   prometheus.Counter
	RestoreTransactions prometheus.Counter
	CloneFailures       prometheus.Counter
	CloneRollbacks      prometheus.Counter
	DroppedRequests     prometheus.Counter

	DHCPAcksSniffed prometheus.Counter
	FramesRewritten prometheus.Counter
}

// New creates and registers the bridge engine's collectors.
func New() *Metrics {
	m := &Metrics{
		Phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apbridge_phase",
			Help: "Current repeater phase (0=idle, 1=mac_changing, 2=bridging, 3=mac_restoring).",
		}),
		ClientCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apbridge_client_count",
			Help: "Number of stations currently associated to the soft AP.",
		}),
		MacCloned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apbridge_mac_cloned",
			Help: "1 if the STA interface currently impersonates a client MAC.",
		}),
		ForwardingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apbridge_forwarding_active",
			Help: "1 if the L2 forwarding path is installed.",
		}),
		MacNatEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apbridge_macnat_entries",
			Help: "Number of entries currently held in the MAC-NAT table.",
		}),
		CloneTransactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apbridge_clone_transactions_total",
			Help: "Count of clone transactions started.",
		}),
		RestoreTransactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apbridge_restore_transactions_total",
			Help: "Count of restore transactions started.",
		}),
		CloneFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apbridge_clone_failures_total",
			Help: "Count of clone transactions aborted by a driver set_mac failure.",
		}),
		CloneRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apbridge_clone_rollbacks_total",
			Help: "Count of clone transactions that rolled back after a reconnect timeout.",
		}),
		DroppedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apbridge_dropped_requests_total",
			Help: "Count of clone/restore requests refused because a transaction was already in flight.",
		}),
		DHCPAcksSniffed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apbridge_dhcp_acks_sniffed_total",
			Help: "Count of valid upstream DHCPACKs observed by the sniffer.",
		}),
		FramesRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apbridge_frames_rewritten_total",
			Help: "Count of data-plane frames that went through upstream/downstream MAC rewrite.",
		}),
	}

	prometheus.MustRegister(
		m.Phase, m.ClientCount, m.MacCloned, m.ForwardingActive, m.MacNatEntries,
		m.CloneTransactions, m.RestoreTransactions, m.CloneFailures, m.CloneRollbacks, m.DroppedRequests,
		m.DHCPAcksSniffed, m.FramesRewritten,
	)
	return m
}

// Sample reads the gauges that track *state.Bridge directly. It should be
// called periodically by the status task (spec.md §5).
func (m *Metrics) Sample(br *state.Bridge, natLen int) {
	m.Phase.Set(float64(br.Phase()))
	m.ClientCount.Set(float64(br.ClientCount()))
	m.MacNatEntries.Set(float64(natLen))

	if br.MacCloned.IsSet() {
		m.MacCloned.Set(1)
	} else {
		m.MacCloned.Set(0)
	}
	if br.ForwardingActive.IsSet() {
		m.ForwardingActive.Set(1)
	} else {
		m.ForwardingActive.Set(0)
	}
}
