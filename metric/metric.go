package metric

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/flatmates/flat-sync/app"
	"github.com/flatmates/flat-sync/app/logger"
	"github.com/flatmates/flat-sync/config"
)

const CName = "flatsync.metric"

var log = logger.NewNamed(CName)

func New() Metric {
	return new(metric)
}

type configSource interface {
	GetMetric() config.Metric
}

type Metric interface {
	Registry() *prometheus.Registry
	SessionFinished(result string, dur time.Duration)
	ConflictResolved(resolution string)
	QueueDepth(count int)
	app.ComponentRunnable
}

type metric struct {
	registry *prometheus.Registry
	config   config.Metric

	sessionDuration *prometheus.SummaryVec
	sessionsTotal   *prometheus.CounterVec
	conflictsTotal  *prometheus.CounterVec
	queueDepth      prometheus.Gauge
}

func (m *metric) Init(a *app.App) (err error) {
	m.registry = prometheus.NewRegistry()
	m.config = a.MustComponent(config.CName).(configSource).GetMetric()
	m.sessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flatsync",
		Subsystem: "session",
		Name:      "total",
	}, []string{"result"})
	m.sessionDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "flatsync",
		Subsystem: "session",
		Name:      "duration_seconds",
		Objectives: map[float64]float64{
			0.5:  0.5,
			0.85: 0.01,
			0.95: 0.0005,
			0.99: 0.0001,
		},
	}, []string{"result"})
	m.conflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flatsync",
		Subsystem: "session",
		Name:      "conflicts_total",
	}, []string{"resolution"})
	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "flatsync",
		Subsystem: "queue",
		Name:      "depth",
	})
	for _, c := range []prometheus.Collector{m.sessionsTotal, m.sessionDuration, m.conflictsTotal, m.queueDepth} {
		if err = m.registry.Register(c); err != nil {
			return
		}
	}
	return
}

func (m *metric) Name() string {
	return CName
}

func (m *metric) Run(ctx context.Context) (err error) {
	if err = m.registry.Register(collectors.NewBuildInfoCollector()); err != nil {
		return err
	}
	if err = m.registry.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	if m.config.Addr != "" {
		var errCh = make(chan error)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
		go func() {
			errCh <- http.ListenAndServe(m.config.Addr, mux)
		}()
		select {
		case err = <-errCh:
		case <-time.After(time.Second / 5):
			log.Info("metrics listener started", zap.String("addr", m.config.Addr))
		}
	}
	return
}

func (m *metric) Registry() *prometheus.Registry {
	return m.registry
}

func (m *metric) SessionFinished(result string, dur time.Duration) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(result).Inc()
	m.sessionDuration.WithLabelValues(result).Observe(dur.Seconds())
}

func (m *metric) ConflictResolved(resolution string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(resolution).Inc()
}

func (m *metric) QueueDepth(count int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(count))
}

func (m *metric) Close(ctx context.Context) (err error) {
	return
}
