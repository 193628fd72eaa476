package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PostsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microblog_posts_created_total",
			Help: "Total number of posts created",
		},
		[]string{"authored"},
	)

	PostsDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "microblog_posts_deleted_total",
			Help: "Total number of post deletions issued",
		},
	)

	MutationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microblog_mutation_errors_total",
			Help: "Total number of failed post mutations",
		},
		[]string{"operation"},
	)

	MagicCodesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microblog_magic_codes_sent_total",
			Help: "Total number of magic code requests",
		},
		[]string{"status"},
	)

	SignInsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microblog_sign_ins_total",
			Help: "Total number of magic code verifications",
		},
		[]string{"status"},
	)

	LiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "microblog_live_subscribers",
			Help: "Number of open live feed subscriptions",
		},
	)

	LiveSnapshotsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "microblog_live_snapshots_total",
			Help: "Total number of feed result sets pushed to subscribers",
		},
	)

	LiveQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "microblog_live_query_duration_seconds",
			Help:    "Duration of feed queries run for live subscribers",
			Buckets: prometheus.DefBuckets,
		},
	)
)
