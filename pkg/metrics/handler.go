package metrics

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Mount registers /metrics on r, serving reg via the standard Prometheus
// text exposition format.
func Mount(r chi.Router, reg *prometheus.Registry) {
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
}
