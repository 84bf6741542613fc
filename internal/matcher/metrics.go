package matcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	arrivalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magpie_matcher_arrivals_total",
			Help: "File-arrival records processed, by outcome",
		},
		[]string{"outcome"},
	)

	matchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "magpie_matcher_matched_total",
			Help: "Matched artifact events emitted",
		},
	)
)
