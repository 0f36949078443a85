// Package metrics holds the Prometheus collectors of the score service.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	LedgerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "score",
			Subsystem: "ledger",
			Name:      "events_total",
			Help:      "Ledger events committed, by kind and currency.",
		},
		[]string{"kind", "currency"},
	)

	LedgerConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "score",
			Subsystem: "ledger",
			Name:      "version_conflicts_total",
			Help:      "Optimistic concurrency conflicts that caused a retry.",
		},
	)

	LedgerContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "score",
			Subsystem: "ledger",
			Name:      "contention_failures_total",
			Help:      "Units that exhausted the retry budget.",
		},
	)

	Transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "score",
			Subsystem: "transfer",
			Name:      "settlements_total",
			Help:      "Transfer settlements by currency and outcome.",
		},
		[]string{"currency", "outcome"},
	)

	SweepSettled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "score",
			Subsystem: "decay",
			Name:      "sweep_settled_total",
			Help:      "Accounts whose pending decay was settled by the periodic sweep.",
		},
	)

	PresenceOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "score",
			Subsystem: "presence",
			Name:      "online_users",
			Help:      "Users with at least one live session.",
		},
	)

	PresenceExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "score",
			Subsystem: "presence",
			Name:      "heartbeat_expired_total",
			Help:      "Users marked offline after a heartbeat timeout.",
		},
	)

	FeedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "score",
			Subsystem: "feed",
			Name:      "subscribers",
			Help:      "Connected push subscribers.",
		},
	)

	FeedDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "score",
			Subsystem: "feed",
			Name:      "dropped_messages_total",
			Help:      "Push messages dropped because a subscriber was too slow.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "score",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "score",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		LedgerEvents,
		LedgerConflicts,
		LedgerContention,
		Transfers,
		SweepSettled,
		PresenceOnline,
		PresenceExpired,
		FeedClients,
		FeedDropped,
		httpRequests,
		httpDuration,
	)
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Instrument records request count and latency. Paths are deliberately not a
// label: user ids appear in them.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is required for websocket upgrades behind Instrument.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: underlying ResponseWriter is not a Hijacker")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
