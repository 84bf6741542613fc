package validator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magpie_validator_results_total",
			Help: "Terminal validation results published, by outcome",
		},
		[]string{"outcome"},
	)

	retriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "magpie_validator_retries_total",
			Help: "Validation payloads returned to the broker for redelivery",
		},
	)

	deadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "magpie_validator_dead_letters_total",
			Help: "Validation payloads abandoned at the retry ceiling",
		},
	)
)
