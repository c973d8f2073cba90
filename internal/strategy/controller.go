package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/kdimtricp/callpilot/internal/filter"
	"github.com/kdimtricp/callpilot/internal/frame"
)

const (
	ReasonFailures = "consecutive_failures"
	ReasonOptimize = "optimize"
	ReasonManual   = "manual"
)

// rateEpsilon absorbs float error when comparing rate differences to the
// switch margin.
const rateEpsilon = 1e-9

type Config struct {
	Initial          Strategy      `mapstructure:"initial"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OptimizeInterval time.Duration `mapstructure:"optimize_interval"`
	SwitchMargin     float64       `mapstructure:"switch_margin"`
}

func DefaultConfig() Config {
	return Config{
		Initial:          A,
		FailureThreshold: 3,
		OptimizeInterval: 10 * time.Second,
		SwitchMargin:     0.10,
	}
}

type Switch struct {
	From   Strategy  `json:"from"`
	To     Strategy  `json:"to"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type Snapshot struct {
	Strategy            Strategy                   `json:"strategy"`
	StrategyName        string                     `json:"strategyName"`
	ConsecutiveFailures int                        `json:"consecutiveFailures"`
	LastSuccessAt       *time.Time                 `json:"lastSuccessAt,omitempty"`
	Switches            int                        `json:"switches"`
	Stats               map[Strategy]StatsSnapshot `json:"stats"`
}

// Controller owns one session's strategy state machine. HandleFrame calls are
// expected to be sequential; Force, ResetStats and Snapshot may be called
// from any goroutine.
type Controller struct {
	cfg       Config
	pipelines map[Strategy]Pipeline
	logger    hclog.Logger
	onSwitch  func(Switch)

	// busy is held for the duration of a frame and by scheduled checks.
	busy sync.Mutex

	mu                  sync.Mutex
	current             Strategy
	consecutiveFailures int
	lastSuccessAt       time.Time
	switches            int
	stats               map[Strategy]*Stats
}

type Option func(*Controller)

func WithLogger(l hclog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// OnSwitch registers a callback invoked after every transition.
func OnSwitch(fn func(Switch)) Option {
	return func(c *Controller) { c.onSwitch = fn }
}

func NewController(cfg Config, pipelines map[Strategy]Pipeline, opts ...Option) *Controller {
	def := DefaultConfig()
	if !cfg.Initial.Valid() {
		cfg.Initial = def.Initial
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OptimizeInterval <= 0 {
		cfg.OptimizeInterval = def.OptimizeInterval
	}
	if cfg.SwitchMargin <= 0 {
		cfg.SwitchMargin = def.SwitchMargin
	}

	c := &Controller{
		cfg:       cfg,
		pipelines: pipelines,
		logger:    hclog.NewNullLogger(),
		current:   cfg.Initial,
		stats:     make(map[Strategy]*Stats, len(All)),
	}
	for _, s := range All {
		c.stats[s] = &Stats{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Current() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// HandleFrame runs the frame through the active strategy and updates the
// counters. Missing pipelines and cancelled runs are not counted.
func (c *Controller) HandleFrame(ctx context.Context, f *frame.Frame, rules filter.Rules) Outcome {
	c.busy.Lock()
	defer c.busy.Unlock()

	active := c.Current()
	p, ok := c.pipelines[active]
	if !ok {
		return Outcome{Strategy: active, Err: fmt.Errorf("%w: no pipeline for %s", ErrUnknownStrategy, active)}
	}

	out := p.Run(ctx, f, rules)
	if !out.Attempted() || ctx.Err() != nil {
		return out
	}

	var sw *Switch
	c.mu.Lock()
	// A manual override may have landed while the frame was in flight; the
	// result then counts for neither strategy.
	if c.current == active {
		c.stats[active].Record(out.Succeeded())
		if out.Succeeded() {
			c.consecutiveFailures = 0
			c.lastSuccessAt = time.Now()
		} else {
			c.consecutiveFailures++
			sw = c.checkFailuresLocked()
		}
	}
	c.mu.Unlock()

	c.notify(sw)
	return out
}

// checkFailuresLocked advances to the next strategy once the failure
// threshold is reached. It only runs after a frame, so the switch happens on
// the frame that hits the threshold. c.mu must be held.
func (c *Controller) checkFailuresLocked() *Switch {
	if c.consecutiveFailures < c.cfg.FailureThreshold {
		return nil
	}
	c.logger.Warn("strategy failing, advancing", "strategy", c.current, "failures", c.consecutiveFailures)
	return c.switchLocked(c.current.Next(), ReasonFailures)
}

func (c *Controller) switchLocked(to Strategy, reason string) *Switch {
	sw := &Switch{From: c.current, To: to, Reason: reason, At: time.Now()}
	c.current = to
	c.consecutiveFailures = 0
	c.switches++
	return sw
}

func (c *Controller) notify(sw *Switch) {
	if sw == nil {
		return
	}
	c.logger.Info("strategy switched", "from", sw.From, "to", sw.To, "reason", sw.Reason)
	if c.onSwitch != nil {
		c.onSwitch(*sw)
	}
}

// Force switches to s immediately and resets the failure counter.
func (c *Controller) Force(s Strategy) error {
	if !s.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
	c.mu.Lock()
	sw := c.switchLocked(s, ReasonManual)
	c.mu.Unlock()
	c.notify(sw)
	return nil
}

func (c *Controller) ResetStats() {
	for _, s := range c.stats {
		s.Reset()
	}
}

// Optimize switches to the strategy with the best success rate when it beats
// the current one by at least the configured margin. Strategies without any
// recorded attempt are not candidates.
func (c *Controller) Optimize() bool {
	c.mu.Lock()
	sw := c.optimizeLocked()
	c.mu.Unlock()
	c.notify(sw)
	return sw != nil
}

func (c *Controller) optimizeLocked() *Switch {
	curRate, ok := c.stats[c.current].Rate()
	if !ok {
		return nil
	}

	best, bestRate := c.current, curRate
	for _, s := range All {
		if s == c.current {
			continue
		}
		rate, ok := c.stats[s].Rate()
		if ok && rate > bestRate {
			best, bestRate = s, rate
		}
	}

	if best == c.current || bestRate-curRate+rateEpsilon < c.cfg.SwitchMargin {
		return nil
	}

	c.logger.Debug("better strategy found", "current", c.current, "current_rate", curRate, "best", best, "best_rate", bestRate)
	return c.switchLocked(best, ReasonOptimize)
}

// Tick runs the scheduled optimisation once. It is skipped when a frame is
// being processed; the next tick will catch up.
func (c *Controller) Tick() bool {
	if !c.busy.TryLock() {
		return false
	}
	defer c.busy.Unlock()

	c.mu.Lock()
	sw := c.optimizeLocked()
	c.mu.Unlock()
	c.notify(sw)
	return true
}

// Run drives the periodic checks until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.OptimizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Tick() {
				c.logger.Trace("scheduled check skipped, controller busy")
			}
		}
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		Strategy:            c.current,
		StrategyName:        c.current.Name(),
		ConsecutiveFailures: c.consecutiveFailures,
		Switches:            c.switches,
		Stats:               make(map[Strategy]StatsSnapshot, len(c.stats)),
	}
	if !c.lastSuccessAt.IsZero() {
		t := c.lastSuccessAt
		snap.LastSuccessAt = &t
	}
	c.mu.Unlock()

	for s, st := range c.stats {
		snap.Stats[s] = st.Snapshot()
	}
	return snap
}
