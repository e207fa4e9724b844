package indexer

import "github.com/prometheus/client_golang/prometheus"

var (
	rowsUpsertedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "account_index_rows_upserted_total",
		Help: "Rows submitted to the index tables, by index and write path",
	}, []string{"index", "path"})

	upsertErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "account_index_upsert_errors_total",
		Help: "Failed index upsert executions, by index",
	}, []string{"index"})

	prepareValuesDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "account_index_prepare_values_duration_seconds",
		Help:    "Time spent assembling bulk statement parameters",
		Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10), // 1us to ~262ms
	})

	executeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "account_index_execute_duration_seconds",
		Help:    "Time spent executing index upsert statements, by write path",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~1.6s
	}, []string{"path"})
)

func init() {
	prometheus.MustRegister(
		rowsUpsertedTotal,
		upsertErrorsTotal,
		prepareValuesDuration,
		executeDuration,
	)
}
