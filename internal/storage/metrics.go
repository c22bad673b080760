package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_lock_acquire_total",
		Help: "Remote lock acquisition attempts by result",
	}, []string{"result"})

	lockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "statesync_lock_wait_seconds",
		Help:    "Time spent waiting for a remote lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	lockReleaseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_lock_release_total",
		Help: "Remote lock releases by result (released, mismatch, missing, error)",
	}, []string{"result"})

	leaseReuseTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "statesync_lease_reuse_total",
		Help: "Modify scopes served by an already held lease",
	})

	stateFetchNodes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "statesync_state_fetch_nodes",
		Help:    "Number of state nodes fetched per remote read",
		Buckets: prometheus.LinearBuckets(1, 2, 8),
	})

	diskFlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statesync_disk_flush_total",
		Help: "Disk write queue flushes by result",
	}, []string{"result"})
)
