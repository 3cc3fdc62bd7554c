package strategy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики экземпляра стратегии
var (
	opportunitiesFound = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fundingarb_opportunities_found",
		Help: "Candidates passing filters in the last scan",
	})

	positionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundingarb_positions_opened_total",
		Help: "Paired positions opened",
	})

	positionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundingarb_positions_closed_total",
		Help: "Paired positions closed by exit reason",
	}, []string{"reason"})

	entryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundingarb_entry_failures_total",
		Help: "Entry attempts failed by reason",
	}, []string{"reason"})

	rollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundingarb_entry_rollbacks_total",
		Help: "Partial entries rolled back",
	})

	rollbackCost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundingarb_entry_rollback_cost_usd_total",
		Help: "Cumulative USD cost of rolled back entries",
	})

	fundingPaymentsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fundingarb_funding_payments_recorded_total",
		Help: "Funding payment rows recorded",
	})

	closeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fundingarb_close_duration_seconds",
		Help:    "Wall time of the close procedure",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	bboEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundingarb_bbo_events_total",
		Help: "BBO stream events by venue",
	}, []string{"venue"})

	collectorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fundingarb_collector_errors_total",
		Help: "Funding collection failures by venue",
	}, []string{"venue"})

	openPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fundingarb_open_positions",
		Help: "Currently active paired positions",
	})
)
