package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics definitions
var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sitterd_sessions_active",
		Help: "Number of editor sessions currently connected.",
	})

	BuffersOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sitterd_buffers_open",
		Help: "Number of open buffers by state.",
	}, []string{"state"})

	ReparseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitterd_reparse_total",
		Help: "Total number of reparses by language and mode (incremental, full).",
	}, []string{"language", "mode"})

	ReparseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sitterd_reparse_seconds",
		Help:    "Time spent reparsing a buffer.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"language"})

	ParseTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitterd_parse_timeouts_total",
		Help: "Total number of parses cancelled by the parse timeout.",
	}, []string{"language"})

	EditsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitterd_edits_submitted_total",
		Help: "Total number of edit operations accepted by the coalescer.",
	})

	EditsMergedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitterd_edits_merged_total",
		Help: "Total number of edit operations folded into an adjacent pending edit.",
	})

	FlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitterd_flush_total",
		Help: "Total number of coalescer flushes by trigger (bound, quiescence, query, close).",
	}, []string{"trigger"})

	OverflowResyncTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitterd_overflow_resync_total",
		Help: "Total number of batches converted to a full resync because the queue bound was exceeded.",
	})

	SequenceGapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitterd_sequence_gaps_total",
		Help: "Total number of edits rejected because of a sequence gap.",
	})

	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sitterd_query_seconds",
		Help:    "Time spent executing a query against a tree.",
		Buckets: []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	}, []string{"kind"})

	QueryCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitterd_query_cache_hits_total",
		Help: "Total number of query results served from the per-buffer cache.",
	})

	StaleResultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sitterd_stale_results_total",
		Help: "Total number of query results dropped because the buffer advanced.",
	})

	GrammarLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitterd_grammar_loads_total",
		Help: "Total number of grammar load attempts by result.",
	}, []string{"language", "result"})

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitterd_requests_total",
		Help: "Total number of control-channel requests by kind and status.",
	}, []string{"kind", "status"})

	PushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sitterd_pushes_total",
		Help: "Total number of push notifications sent by event.",
	}, []string{"event"})
)
