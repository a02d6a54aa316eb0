package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"dvbcache/message"
)

var latencyBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 10}

// Metrics holds the collectors updated by MetricsMiddleware.
type Metrics struct {
	Calls   *prometheus.CounterVec   // op, result
	Latency *prometheus.HistogramVec // op
	Bytes   *prometheus.CounterVec   // op, direction
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// that are already registered (a second client in the same process) are
// reused.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Requests sent to the cache service by operation and result.",
		}, []string{"op", "result"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Duration of one request/response exchange.",
			Buckets:   latencyBuckets,
		}, []string{"op"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes sent and received.",
		}, []string{"op", "direction"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.Calls, err = register(reg, m.Calls); err != nil {
		return nil, err
	}
	if m.Latency, err = register(reg, m.Latency); err != nil {
		return nil, err
	}
	if m.Bytes, err = register(reg, m.Bytes); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// result labels a call outcome: "ok" or the error kind.
func result(err error) string {
	if err == nil {
		return "ok"
	}
	var e *message.Error
	if errors.As(err, &e) {
		return e.Kind.String()
	}
	return "error"
}

// MetricsMiddleware counts calls, observes their latency and accounts the
// payload bytes in both directions.
func MetricsMiddleware(m *Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			m.Latency.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
			m.Calls.WithLabelValues(req.Op, result(err)).Inc()
			m.Bytes.WithLabelValues(req.Op, "out").Add(float64(len(req.Payload)))
			if resp != nil {
				m.Bytes.WithLabelValues(req.Op, "in").Add(float64(len(resp.Payload)))
			}
			return resp, err
		}
	}
}
