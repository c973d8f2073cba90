package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kdimtricp/callpilot/internal/dispatch"
	"github.com/kdimtricp/callpilot/internal/frame"
	"github.com/kdimtricp/callpilot/internal/session"
	"github.com/kdimtricp/callpilot/internal/strategy"
)

const namespace = "callpilot"

// Frame results.
const (
	ResultNoSignal  = "no_signal"
	ResultEvaluated = "evaluated"
	ResultInvalid   = "invalid"
)

// Collector records session and pipeline activity as prometheus metrics. It
// implements session.Observer.
type Collector struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	frames           *prometheus.CounterVec
	framesDropped    prometheus.Counter
	decisions        *prometheus.CounterVec
	dispatch         *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec
	strategySwitches *prometheus.CounterVec
}

// New builds a collector on its own registry, so several can coexist in tests.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of connected device sessions",
		}),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Frames processed, by result",
			},
			[]string{"result"},
		),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames replaced by a newer frame before processing",
		}),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Filter decisions on detected jobs",
			},
			[]string{"decision"},
		),
		dispatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Action channel attempts, by channel and result",
			},
			[]string{"channel", "result"},
		),
		dispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_latency_seconds",
				Help:      "Action channel attempt latency",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
			},
			[]string{"channel"},
		),
		strategySwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "strategy_switches_total",
				Help:      "Strategy switches, by origin, target and reason",
			},
			[]string{"from", "to", "reason"},
		),
	}

	c.registry.MustRegister(
		c.sessionsActive,
		c.frames,
		c.framesDropped,
		c.decisions,
		c.dispatch,
		c.dispatchLatency,
		c.strategySwitches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the collector's registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) SessionOpened(string) {
	c.sessionsActive.Inc()
}

func (c *Collector) SessionClosed(string) {
	c.sessionsActive.Dec()
}

func (c *Collector) FrameProcessed(_ string, _ *frame.Frame, out strategy.Outcome) {
	if out.Decision == nil {
		c.frames.WithLabelValues(ResultNoSignal).Inc()
		return
	}
	c.frames.WithLabelValues(ResultEvaluated).Inc()
	if out.Decision.Accept {
		c.decisions.WithLabelValues("accept").Inc()
	} else {
		c.decisions.WithLabelValues("reject").Inc()
	}
}

func (c *Collector) FrameDropped(string) {
	c.framesDropped.Inc()
}

func (c *Collector) FrameInvalid(string, error) {
	c.frames.WithLabelValues(ResultInvalid).Inc()
}

func (c *Collector) StrategySwitched(_ string, sw strategy.Switch) {
	c.strategySwitches.WithLabelValues(string(sw.From), string(sw.To), sw.Reason).Inc()
}

func (c *Collector) ChannelAttempt(_ string, o dispatch.Outcome) {
	c.dispatch.WithLabelValues(o.Channel, strconv.FormatBool(o.Success)).Inc()
	c.dispatchLatency.WithLabelValues(o.Channel).Observe(float64(o.LatencyMs) / 1000)
}

var _ session.Observer = (*Collector)(nil)
