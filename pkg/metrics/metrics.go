// Package metrics wires the per-Handle prometheus collectors exposed
// by pkg/dispatcher and pkg/rpc into a single registry an admin HTTP
// server (pkg/admin) can serve. Each Handle owns its own Dispatcher
// and rpc.Context, so registration happens per Handle rather than
// through a single process-wide default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Denials is the subset of *dispatcher.Dispatcher that Registry needs.
type Denials interface {
	Denials() prometheus.Counter
}

// Latency is the subset of *rpc.Context that Registry needs.
type Latency interface {
	Latency() prometheus.Histogram
}

// Registry is a per-process prometheus registry. Unlike the package
// default registry, it is never shared across independent Handles, so
// registering the same kind of collector from two Handles never
// collides.
type Registry struct {
	reg *prometheus.Registry
}

// New returns a Registry seeded with the standard process and Go
// runtime collectors, matching what promhttp.Handler() would expose
// against the default registry.
func New() *Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())
	return &Registry{reg: r}
}

// RegisterDispatcher adds d's denial counter.
func (m *Registry) RegisterDispatcher(d Denials) error {
	return m.reg.Register(d.Denials())
}

// RegisterRPC adds c's latency histogram.
func (m *Registry) RegisterRPC(c Latency) error {
	return m.reg.Register(c.Latency())
}

// MustRegister registers an arbitrary collector (e.g. a bulkexec
// credit gauge a caller constructs itself), panicking on a duplicate
// registration since that indicates a programming error.
func (m *Registry) MustRegister(c prometheus.Collector) {
	m.reg.MustRegister(c)
}

// Handler returns an http.Handler serving this registry's collectors
// in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying prometheus.Gatherer, e.g. for
// pkg/admin to serve alongside pprof without depending on this
// package's Registry type directly.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.reg
}
