package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_policy_evaluations_total",
			Help: "Total number of admission policy evaluations",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decisionflow_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating admission policies",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
		[]string{"mode"},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_policy_errors_total",
			Help: "Total number of admission policy errors",
		},
		[]string{"error_type", "mode"},
	)

	policyCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "decisionflow_policy_files_loaded",
			Help: "Number of policy files currently loaded",
		},
		[]string{"policy_path"},
	)

	policyCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisionflow_policy_cache_lookups_total",
			Help: "Admission decision cache lookups",
		},
		[]string{"result"},
	)
)

// RecordEvaluation records one evaluated decision
func RecordEvaluation(allow bool, mode Mode, seconds float64) {
	d := "deny"
	if allow {
		d = "allow"
	}
	policyEvaluations.WithLabelValues(d, string(mode)).Inc()
	policyEvaluationDuration.WithLabelValues(string(mode)).Observe(seconds)
}

// RecordError records a load or evaluation failure
func RecordError(errorType string, mode Mode) {
	policyErrors.WithLabelValues(errorType, string(mode)).Inc()
}

// RecordPolicyLoad records how many policy files are active
func RecordPolicyLoad(path string, count int) {
	policyCount.WithLabelValues(path).Set(float64(count))
}

func recordCache(hit bool) {
	if hit {
		policyCacheLookups.WithLabelValues("hit").Inc()
		return
	}
	policyCacheLookups.WithLabelValues("miss").Inc()
}
