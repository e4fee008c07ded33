package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service-level Prometheus metrics. Stream and event-bus
// internals register their own counters package-locally.
type Metrics struct {
	UsersCreated prometheus.Counter
	UsersDeleted prometheus.Counter
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
}

// New creates and registers all service metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		UsersCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulse_users_created_total",
			Help: "Total number of users created",
		}),
		UsersDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulse_users_deleted_total",
			Help: "Total number of users deleted",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulse_user_cache_hits_total",
			Help: "User snapshot reads served from cache",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "pulse_user_cache_misses_total",
			Help: "User snapshot reads that fell through to the store",
		}),
	}
}
