// Package metrics defines the hub's Prometheus instruments. Every component
// registers its own struct on one custom registry built by NewRegistry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pscheid92/signalhub/internal/platform/version"
)

const namespace = "signalhub"

// scrapeTimeout stays under the default Prometheus scrape timeout.
const scrapeTimeout = 8 * time.Second

// NewRegistry returns a registry preloaded with runtime, process and build
// collectors plus a signalhub_build_info series labelled with the binary's
// version and commit.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	info := version.Get()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "build_info",
			Help:        "Always 1; labels carry the running build.",
			ConstLabels: prometheus.Labels{"version": info.Version, "commit": info.Commit, "go_version": info.GoVersion},
		}, func() float64 { return 1 }),
	)
	return reg
}

// Handler serves reg. Collection errors are logged by promhttp and the
// remaining metrics are still served.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      reg,
		Timeout:       scrapeTimeout,
	})
}
