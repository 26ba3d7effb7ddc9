// Package metrics 定义 Prometheus 指标，并暴露 /metrics 处理器。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_decisions_total",
		Help: "Decision steps by agent kind and outcome",
	}, []string{"kind", "outcome"})

	DecisionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "treasury_decision_latency_seconds",
		Help:    "Latency of a full decision step",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	InferenceDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_inference_degraded_total",
		Help: "Inference calls that timed out or failed and produced a degraded draft",
	}, []string{"kind"})

	BiasDiscounts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_bias_discounts_total",
		Help: "Drafts whose confidence was discounted by the bias gate",
	}, []string{"category"})

	Escalations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_escalations_total",
		Help: "Drafts relabelled by the security policy",
	}, []string{"agent_id"})

	ProofsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_proofs_total",
		Help: "Proof operations by circuit, operation and result",
	}, []string{"circuit", "op", "result"})

	ProofLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "treasury_proof_latency_seconds",
		Help:    "Proof generation and verification latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"circuit", "op"})

	ProofCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treasury_proof_cache_entries",
		Help: "Number of proofs held in the verification cache",
	})

	FederatedRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_federated_rounds_total",
		Help: "Federated rounds by result",
	}, []string{"result"})

	FederatedAccuracy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treasury_federated_accuracy",
		Help: "Accuracy estimate of the last completed federated round",
	})

	FederatedExclusions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_federated_exclusions_total",
		Help: "Contributions excluded from aggregation",
	}, []string{"reason"})

	UnlearningRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_unlearning_requests_total",
		Help: "Unlearning requests by final status",
	}, []string{"status"})

	UnlearnedSamples = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasury_unlearned_samples_total",
		Help: "Samples removed by unlearning",
	})

	SupervisorFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_supervisor_flags_total",
		Help: "Agents flagged by the audit cycle",
	}, []string{"agent_id"})

	AgentSuspensions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_agent_suspensions_total",
		Help: "Agent suspensions by reason",
	}, []string{"reason"})

	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treasury_api_requests_total",
		Help: "HTTP requests by route, method and status code",
	}, []string{"handler", "method", "code"})

	APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "treasury_api_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler", "method"})

	BiasSeverity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "treasury_bias_severity",
		Help: "Latest system-wide severity per bias category",
	}, []string{"category"})
)

// Handler 返回 Prometheus 抓取端点。
func Handler() http.Handler {
	return promhttp.Handler()
}
