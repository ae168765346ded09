// Package metrics provides centralized Prometheus metrics management for
// the migration engine.
//
// It implements a small taxonomy:
//   - Migration metrics: run outcomes, phase durations, blob/byte counters
//   - Technical metrics: HTTP request metrics, retry/backoff metrics
//
// All metrics follow the naming convention:
// migrate_engine_<subsystem>_<metric_name>_<unit>
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Migration().RunsTotal.WithLabelValues("success").Inc()
package metrics

import (
	"sync"
)

// Registry is the central access point for all Prometheus metrics used by
// the migration engine. Each category is lazily initialized on first use.
type Registry struct {
	namespace string

	migration *MigrationMetrics
	http      *HTTPMetrics
	retry     *RetryMetrics

	migrationOnce sync.Once
	httpOnce      sync.Once
	retryOnce     sync.Once
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton Registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry("migrate_engine")
	})
	return defaultRegistry
}

// NewRegistry creates a new Registry under the given namespace.
func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = "migrate_engine"
	}
	return &Registry{namespace: namespace}
}

// Migration returns the migration domain metrics manager.
func (r *Registry) Migration() *MigrationMetrics {
	r.migrationOnce.Do(func() {
		r.migration = NewMigrationMetrics(r.namespace)
	})
	return r.migration
}

// HTTP returns the HTTP metrics manager for the local progress API server.
func (r *Registry) HTTP() *HTTPMetrics {
	r.httpOnce.Do(func() {
		r.http = NewHTTPMetricsWithNamespace(r.namespace, "http")
	})
	return r.http
}

// Retry returns the shared retry metrics manager used by resilience.RetryPolicy.
func (r *Registry) Retry() *RetryMetrics {
	r.retryOnce.Do(func() {
		r.retry = NewRetryMetrics()
	})
	return r.retry
}

// Namespace returns the configured Prometheus namespace for this registry.
func (r *Registry) Namespace() string {
	return r.namespace
}
