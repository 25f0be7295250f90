// Package metrics exposes Prometheus counters for the event pipeline.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mrzor/proc-connector/internal/connector"
)

const (
	namespace = "proc_events"

	kindLabel   = "kind"
	reasonLabel = "reason"
)

// Reasons a datagram or event is dropped.
const (
	ReasonDecode   = "decode"
	ReasonFiltered = "filtered"
	ReasonKind     = "kind"
	ReasonHandler  = "handler"
)

// Metrics holds the pipeline counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	eventsCounter   *prometheus.CounterVec
	droppedCounter  *prometheus.CounterVec
	overrunCounter  prometheus.Counter
	foreignCounter  prometheus.Counter
	controlCounter  prometheus.Counter
	requestFailures prometheus.Counter
}

// New registers the counters with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		eventsCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Process events decoded from the connector, by kind",
		}, []string{kindLabel}),
		droppedCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Datagrams or events dropped before reaching the output, by reason",
		}, []string{reasonLabel}),
		overrunCounter: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_overruns_total",
			Help:      "Times the kernel reported a full socket receive buffer",
		}),
		foreignCounter: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "foreign_messages_total",
			Help:      "Connector messages for other connector protocols",
		}),
		controlCounter: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Listen and ignore messages seen on the socket",
		}),
		requestFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_failures_total",
			Help:      "Connector requests that the transport or kernel rejected",
		}),
	}
}

func (m *Metrics) ReportEvent(kind connector.EventKind) {
	if m == nil {
		return
	}
	m.eventsCounter.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) ReportDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedCounter.WithLabelValues(reason).Inc()
}

func (m *Metrics) ReportOverrun() {
	if m == nil {
		return
	}
	m.overrunCounter.Inc()
}

func (m *Metrics) ReportForeign() {
	if m == nil {
		return
	}
	m.foreignCounter.Inc()
}

func (m *Metrics) ReportControl() {
	if m == nil {
		return
	}
	m.controlCounter.Inc()
}

func (m *Metrics) ReportRequestFailure() {
	if m == nil {
		return
	}
	m.requestFailures.Inc()
}

// Serve exposes gatherer on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down metrics server: %w", err)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}
