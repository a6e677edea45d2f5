package cmd

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// startMetricsServer serves the tracer's counters on a private registry.
func startMetricsServer(addr string, collector prometheus.Collector) {
	r := prometheus.NewRegistry()
	r.MustRegister(collector)
	handler := promhttp.HandlerFor(prometheus.Gatherers{r}, promhttp.HandlerOpts{})

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	go func() {
		log.Infof("serving metrics on %s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("metrics server exited: %v", err)
		}
	}()
}
