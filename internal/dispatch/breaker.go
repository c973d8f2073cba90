package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

var ErrCircuitOpen = errors.New("circuit breaker is open; fast-fail")

type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	MaxFailures  int           `mapstructure:"max_failures"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, ResetTimeout: 30 * time.Second}
}

// Breaker wraps a channel so a dead agent fails fast instead of eating the
// cascade's time on every frame. After ResetTimeout one trial call is let
// through; its result closes or re-opens the circuit.
type Breaker struct {
	inner  Channel
	cfg    BreakerConfig
	logger hclog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
}

func NewBreaker(inner Channel, cfg BreakerConfig, logger hclog.Logger) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Breaker{
		inner:  inner,
		cfg:    cfg,
		logger: logger.With("channel", inner.Name()),
		now:    time.Now,
	}
}

func (b *Breaker) Name() string { return b.inner.Name() }

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) TryExecute(ctx context.Context, x, y int) (bool, error) {
	b.mu.Lock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.state = HalfOpen
		b.logger.Info("breaker probing")
	case HalfOpen:
		// A trial call is already in flight.
		b.mu.Unlock()
		return false, ErrCircuitOpen
	}
	b.mu.Unlock()

	ok, err := b.inner.TryExecute(ctx, x, y)
	if ok && err == nil {
		b.onSuccess()
	} else {
		b.onFailure()
	}
	return ok, err
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Closed {
		b.logger.Info("breaker closed", "from", b.state.String())
	}
	b.state = Closed
	b.failures = 0
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == HalfOpen || b.failures >= b.cfg.MaxFailures {
		if b.state != Open {
			b.logger.Warn("breaker opened", "failures", b.failures)
		}
		b.state = Open
		b.openedAt = b.now()
	}
}
