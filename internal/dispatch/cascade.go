package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

var ErrNoChannels = errors.New("no dispatch channels configured")

// errCancelled marks a parallel attempt that lost to another channel.
var errCancelled = errors.New("cancelled: another channel succeeded")

const DefaultTimeout = 500 * time.Millisecond

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Channel is one way of performing the accept tap. TryExecute must honor ctx.
type Channel interface {
	Name() string
	TryExecute(ctx context.Context, x, y int) (bool, error)
}

type Mode int

const (
	Sequential Mode = iota
	Parallel
)

func (m Mode) String() string {
	if m == Parallel {
		return "parallel"
	}
	return "sequential"
}

type Outcome struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	LatencyMs int64     `json:"latencyMs"`
	Timestamp time.Time `json:"timestamp"`
	Target    Point     `json:"target"`
	Err       string    `json:"error,omitempty"`
}

type Request struct {
	Targets []Point
	Mode    Mode
	// ByRate orders channels by rolling success rate before trying them.
	ByRate bool
}

type Result struct {
	Success  bool      `json:"success"`
	Channel  string    `json:"channel,omitempty"`
	Target   Point     `json:"target"`
	Outcomes []Outcome `json:"outcomes"`
}

// Observer is told about every channel attempt.
type Observer func(o Outcome)

type Cascade struct {
	channels []Channel
	timeout  time.Duration
	history  *History
	observer Observer
	logger   hclog.Logger
}

type Option func(*Cascade)

func WithTimeout(d time.Duration) Option {
	return func(c *Cascade) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHistory(h *History) Option {
	return func(c *Cascade) { c.history = h }
}

func WithObserver(o Observer) Option {
	return func(c *Cascade) { c.observer = o }
}

func WithLogger(l hclog.Logger) Option {
	return func(c *Cascade) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCascade(channels []Channel, opts ...Option) *Cascade {
	c := &Cascade{
		channels: channels,
		timeout:  DefaultTimeout,
		history:  NewHistory(DefaultHistorySize),
		logger:   hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cascade) History() *History {
	return c.history
}

func (c *Cascade) Channels() []Channel {
	return c.channels
}

// Run tries each target in order until one is executed by some channel.
// Every attempt is recorded, including losers of a parallel race.
func (c *Cascade) Run(ctx context.Context, req Request) (Result, error) {
	if len(c.channels) == 0 {
		return Result{}, ErrNoChannels
	}

	channels := c.channels
	if req.ByRate {
		channels = c.history.Ordered(channels)
	}

	var res Result
	for _, target := range req.Targets {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var outcomes []Outcome
		var winner string
		if req.Mode == Parallel {
			outcomes, winner = c.runParallel(ctx, channels, target)
		} else {
			outcomes, winner = c.runSequential(ctx, channels, target)
		}
		res.Outcomes = append(res.Outcomes, outcomes...)

		if winner != "" {
			res.Success = true
			res.Channel = winner
			res.Target = target
			return res, nil
		}
	}

	c.logger.Debug("all channels failed", "targets", len(req.Targets), "attempts", len(res.Outcomes))
	return res, nil
}

func (c *Cascade) runSequential(ctx context.Context, channels []Channel, target Point) ([]Outcome, string) {
	var outcomes []Outcome
	for _, ch := range channels {
		if ctx.Err() != nil {
			break
		}
		o := c.attempt(ctx, ch, target)
		c.record(o)
		outcomes = append(outcomes, o)
		if o.Success {
			return outcomes, o.Channel
		}
	}
	return outcomes, ""
}

func (c *Cascade) runParallel(ctx context.Context, channels []Channel, target Point) ([]Outcome, string) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan Outcome, len(channels))
	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			results <- c.attempt(raceCtx, ch, target)
		}(ch)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var outcomes []Outcome
	var winner string
	for o := range results {
		if winner != "" && !o.Success {
			o.Err = errCancelled.Error()
		}
		if o.Success {
			if winner == "" {
				winner = o.Channel
				cancel()
			} else {
				// Finished before it saw the cancellation.
				c.logger.Warn("duplicate dispatch after winner", "winner", winner, "channel", o.Channel)
			}
		}
		c.record(o)
		outcomes = append(outcomes, o)
	}
	return outcomes, winner
}

// attempt runs one channel under the per-call timeout. A panicking channel is
// reported as a failed attempt.
func (c *Cascade) attempt(ctx context.Context, ch Channel, target Point) (o Outcome) {
	start := time.Now()
	o = Outcome{Channel: ch.Name(), Target: target, Timestamp: start}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("channel panic: %v", r)}
			}
		}()
		ok, err := ch.TryExecute(callCtx, target.X, target.Y)
		done <- result{ok: ok, err: err}
	}()

	select {
	case r := <-done:
		o.Success = r.ok && r.err == nil
		if r.err != nil {
			o.Err = r.err.Error()
		}
	case <-callCtx.Done():
		o.Err = callCtx.Err().Error()
	}

	o.LatencyMs = time.Since(start).Milliseconds()
	return o
}

func (c *Cascade) record(o Outcome) {
	c.history.Add(o)
	if c.observer != nil {
		c.observer(o)
	}
	c.logger.Trace("channel attempt", "channel", o.Channel, "success", o.Success, "latency_ms", o.LatencyMs, "error", o.Err)
}
