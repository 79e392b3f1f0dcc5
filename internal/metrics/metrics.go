// Package metrics owns the Prometheus collectors for the relay. A single
// Set is constructed at startup and passed explicitly; there are no
// package-level registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set bundles every relay collector plus the registry that exposes them.
type Set struct {
	Registry *prometheus.Registry

	AttestationOutcomes  *prometheus.CounterVec // outcome: submitted|already_on_chain|deferred|failed
	ValidationFailures   *prometheus.CounterVec // reason
	InFlightAttestations prometheus.Gauge

	BridgeInsCreated   prometheus.Counter
	BridgeInsDelivered prometheus.Counter
	BridgeOutsBacked   prometheus.Counter
	RedemptionsSettled prometheus.Counter
	YieldEpochs        *prometheus.CounterVec // pool: staking|ethpool
	OrphansRecovered   prometheus.Counter

	RateLimitHits  prometheus.Counter
	PauseTriggered prometheus.Counter
	RPCFailovers   prometheus.Counter
	StatePersists  prometheus.Counter
	LedgerFallback prometheus.Counter

	CursorBlock     *prometheus.GaugeVec // scan: bridge_out|yield|ethpool_yield
	DirectionStatus *prometheus.GaugeVec // direction; 0 healthy, 1 degraded, 2 failed
	CycleDuration   prometheus.Histogram
}

// New builds a fresh Set with its own registry.
func New() *Set {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Set{
		Registry: reg,
		AttestationOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_attestations_total",
			Help: "Attestation relay outcomes by result.",
		}, []string{"outcome"}),
		ValidationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_validation_failures_total",
			Help: "Items rejected before submission, by reason.",
		}, []string{"reason"}),
		InFlightAttestations: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_inflight_attestations",
			Help: "Attestations marked in-flight to the Chain.",
		}),
		BridgeInsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_bridge_ins_created_total",
			Help: "BridgeInRequest contracts created on the Ledger.",
		}),
		BridgeInsDelivered: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_bridge_ins_delivered_total",
			Help: "Wrapped holdings delivered to their recipient.",
		}),
		BridgeOutsBacked: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_bridge_outs_backed_total",
			Help: "Ledger bridge-out requests backed by treasury deposits.",
		}),
		RedemptionsSettled: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_redemptions_settled_total",
			Help: "Redemption requests settled with a Chain mint.",
		}),
		YieldEpochs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_yield_epochs_total",
			Help: "Yield epochs credited on the Ledger, by pool.",
		}, []string{"pool"}),
		OrphansRecovered: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_orphans_recovered_total",
			Help: "Stranded bridge-in holdings delivered by the sweep.",
		}),
		RateLimitHits: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_rate_limit_hits_total",
			Help: "Submissions denied by the rate limiter.",
		}),
		PauseTriggered: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_pause_triggered_total",
			Help: "Emergency pause invocations by the guardian.",
		}),
		RPCFailovers: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_rpc_failovers_total",
			Help: "Rotations to a fallback RPC provider.",
		}),
		StatePersists: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_state_persists_total",
			Help: "Successful writes of the durable state file.",
		}),
		LedgerFallback: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_ledger_updates_fallback_total",
			Help: "Active-contracts queries served via /v2/updates replay.",
		}),
		CursorBlock: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_cursor_block",
			Help: "Last fully processed Chain block per scan.",
		}, []string{"scan"}),
		DirectionStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_direction_status",
			Help: "Direction health: 0 healthy, 1 degraded, 2 failed.",
		}, []string{"direction"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_cycle_duration_seconds",
			Help:    "Wall time of one full scheduler cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
