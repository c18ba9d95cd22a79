package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"portrpc/message"
	"portrpc/rpcerr"
)

// Metrics counts dispatched calls and observes their latency.
type Metrics struct {
	Calls    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portrpc",
			Name:      "calls_total",
			Help:      "Dispatched calls by procedure and outcome.",
		}, []string{"procedure", "outcome"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "portrpc",
			Name:      "call_duration_seconds",
			Help:      "Time from dispatch to reply.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"procedure"}),
	}
}

func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			return onComplete(next(ctx, req), func(resp *message.Response) {
				m.Calls.WithLabelValues(req.Name, outcome(resp.Err)).Inc()
				m.Duration.WithLabelValues(req.Name).Observe(time.Since(start).Seconds())
			})
		}
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return rpcerr.KindOf(err).String()
}
