package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AnswersGraded counts graded answers, labeled by correctness.
	AnswersGraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "satstacker",
		Name:      "answers_graded_total",
		Help:      "Trivia answers graded.",
	}, []string{"correct"})

	// SatsCredited counts sats credited to balances, labeled by kind.
	SatsCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "satstacker",
		Name:      "sats_credited_total",
		Help:      "Sats credited to user balances.",
	}, []string{"kind"})

	// PayoutsSettled counts payout settlements, labeled by outcome.
	PayoutsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "satstacker",
		Name:      "payouts_settled_total",
		Help:      "Payouts settled to a terminal status.",
	}, []string{"outcome"})
)
