package internal

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strafehq/strafe/utils"
)

// Metrics mirrors the stats sink's aggregates into a private prometheus
// registry for scraping during long runs.
type Metrics struct {
	registry *prometheus.Registry

	requests  prometheus.Counter
	responses prometheus.Counter
	errors    prometheus.Counter
	bytes     prometheus.Counter
	respTime  prometheus.Histogram
	codes     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strafe",
			Name:      "requests_total",
			Help:      "Total downloads submitted to the reactor",
		}),
		responses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strafe",
			Name:      "responses_total",
			Help:      "Total downloads reaching a terminal state",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strafe",
			Name:      "errors_total",
			Help:      "Total downloads ending in Error",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "strafe",
			Name:      "downloaded_bytes_total",
			Help:      "Total response bytes received",
		}),
		respTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "strafe",
			Name:      "response_time_seconds",
			Help:      "Response time of completed downloads",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		codes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "strafe",
			Name:      "http_status_total",
			Help:      "Responses by HTTP status code",
		}, []string{"code"}),
	}
	m.registry.MustRegister(m.requests, m.responses, m.errors, m.bytes, m.respTime, m.codes)
	return m
}

// RecordSubmit counts one submission; called by the pacing controller.
func (m *Metrics) RecordSubmit() { m.requests.Inc() }

func (m *Metrics) observe(d *Download, code int) {
	m.responses.Inc()
	m.codes.WithLabelValues(strconv.Itoa(code)).Inc()
	if d.Status() == StatusError {
		m.errors.Inc()
		return
	}
	m.bytes.Add(float64(d.DataLen()))
	m.respTime.Observe(d.ResponseTime().Seconds())
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	log := utils.GetLogger("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("Metrics listener starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
