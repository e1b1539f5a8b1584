package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "objectdb",
		Subsystem: "query",
		Name:      "executions_total",
		Help:      "number of query executions by mode",
	}, []string{"mode"})

	candidatesEvaluatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "objectdb",
		Subsystem: "query",
		Name:      "candidates_evaluated_total",
		Help:      "number of top level candidates seeded into candidate sets",
	})

	seedsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "objectdb",
		Subsystem: "query",
		Name:      "candidate_set_seeds_total",
		Help:      "number of candidate sets seeded by source",
	}, []string{"source"})

	faultExclusionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "objectdb",
		Subsystem: "query",
		Name:      "fault_exclusions_total",
		Help:      "number of candidates excluded because evaluating them failed",
	}, []string{"fault"})
)

const (
	seedIdentity = "identity"
	seedIndex    = "index"
	seedExtent   = "extent"

	faultCallback = "callback"
	faultDecode   = "decode"
)
