package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
)

// Metrics holds the Prometheus collectors of the research loop. A nil
// *Metrics is valid and records nothing.
//
// Metrics:
//   - webscout_sessions_active - sessions currently running
//   - webscout_sessions_total{status} - finished sessions by final status
//   - webscout_session_duration_seconds{status} - wall time of finished sessions
//   - webscout_steps_total{action,outcome} - driver actions taken
//   - webscout_reflections_total{action,trigger} - reflection verdicts
//   - webscout_findings_total - findings recorded
//   - webscout_judgments_total{model,tier,outcome} - judgment service calls
//   - webscout_judgment_duration_seconds{model,tier} - judgment call latency
type Metrics struct {
	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	SessionDuration  *prometheus.HistogramVec
	StepsTotal       *prometheus.CounterVec
	ReflectionsTotal *prometheus.CounterVec
	FindingsTotal    prometheus.Counter
	JudgmentsTotal   *prometheus.CounterVec
	JudgmentDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. Passing a
// fresh registry per test avoids duplicate registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "webscout_sessions_active",
			Help: "Number of research sessions currently running",
		}),
		SessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webscout_sessions_total",
			Help: "Finished research sessions by final status",
		}, []string{"status"}),
		SessionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webscout_session_duration_seconds",
			Help:    "Wall time of finished research sessions",
			Buckets: prometheus.ExponentialBuckets(5, 2, 9), // 5s to ~21m
		}, []string{"status"}),
		StepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webscout_steps_total",
			Help: "Driver actions taken by the control loop",
		}, []string{"action", "outcome"}),
		ReflectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webscout_reflections_total",
			Help: "Reflection verdicts by suggested action and trigger",
		}, []string{"action", "trigger"}),
		FindingsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "webscout_findings_total",
			Help: "Findings recorded in working memory",
		}),
		JudgmentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "webscout_judgments_total",
			Help: "Judgment service calls by model, tier and outcome",
		}, []string{"model", "tier", "outcome"}),
		JudgmentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "webscout_judgment_duration_seconds",
			Help:    "Latency of judgment service calls",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 250ms to 64s
		}, []string{"model", "tier"}),
	}
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// SessionStarted increments the active gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionFinished decrements the active gauge and records the outcome.
func (m *Metrics) SessionFinished(status schemas.SessionStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(string(status)).Inc()
	m.SessionDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

func (m *Metrics) StepObserved(actionType string, success bool) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(actionType, outcome(success)).Inc()
}

func (m *Metrics) ReflectionObserved(action, trigger string) {
	if m == nil {
		return
	}
	m.ReflectionsTotal.WithLabelValues(action, trigger).Inc()
}

func (m *Metrics) FindingsRecorded(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FindingsTotal.Add(float64(n))
}

// ObserveJudgment records one judgment call. It satisfies llmclient.Observer.
func (m *Metrics) ObserveJudgment(model string, tier schemas.ModelTier, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.JudgmentsTotal.WithLabelValues(model, string(tier), outcome(err == nil)).Inc()
	m.JudgmentDuration.WithLabelValues(model, string(tier)).Observe(d.Seconds())
}

// ServeMetrics exposes the registry on addr under /metrics until ctx is done.
func ServeMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics endpoint listening.", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}
