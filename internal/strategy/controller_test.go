package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kdimtricp/callpilot/internal/dispatch"
	"github.com/kdimtricp/callpilot/internal/filter"
	"github.com/kdimtricp/callpilot/internal/frame"
)

// scriptedPipeline reports a dispatch attempt with a fixed result.
type scriptedPipeline struct {
	strategy Strategy
	success  bool
	block    chan struct{}

	mu    sync.Mutex
	calls int
}

func (p *scriptedPipeline) Run(ctx context.Context, f *frame.Frame, rules filter.Rules) Outcome {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.block != nil {
		<-p.block
	}
	return Outcome{Strategy: p.strategy, Dispatch: &dispatch.Result{Success: p.success}}
}

func (p *scriptedPipeline) setSuccess(v bool) {
	p.mu.Lock()
	p.success = v
	p.mu.Unlock()
}

func failingPipelines() map[Strategy]*scriptedPipeline {
	out := make(map[Strategy]*scriptedPipeline)
	for _, s := range All {
		out[s] = &scriptedPipeline{strategy: s}
	}
	return out
}

func asPipelines(m map[Strategy]*scriptedPipeline) map[Strategy]Pipeline {
	out := make(map[Strategy]Pipeline, len(m))
	for s, p := range m {
		out[s] = p
	}
	return out
}

func TestControllerAdvancesAfterThreeFailures(t *testing.T) {
	var switches []Switch
	c := NewController(DefaultConfig(), asPipelines(failingPipelines()),
		OnSwitch(func(sw Switch) { switches = append(switches, sw) }))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		c.HandleFrame(ctx, nil, filter.DefaultRules())
	}
	if c.Current() != A {
		t.Fatalf("Expected to stay on A after 2 failures, got %s", c.Current())
	}
	if got := c.Snapshot().ConsecutiveFailures; got != 2 {
		t.Errorf("Expected 2 consecutive failures, got %d", got)
	}

	c.HandleFrame(ctx, nil, filter.DefaultRules())
	if c.Current() != B {
		t.Fatalf("Expected B after 3 failures, got %s", c.Current())
	}
	if got := c.Snapshot().ConsecutiveFailures; got != 0 {
		t.Errorf("Expected counter reset on transition, got %d", got)
	}
	if len(switches) != 1 || switches[0].Reason != ReasonFailures {
		t.Errorf("Expected one failure switch, got %+v", switches)
	}
}

func TestControllerCyclesThroughAllStrategies(t *testing.T) {
	c := NewController(DefaultConfig(), asPipelines(failingPipelines()))
	ctx := context.Background()

	want := []Strategy{B, C, Hybrid, Fallback, A}
	for _, w := range want {
		for i := 0; i < 3; i++ {
			c.HandleFrame(ctx, nil, filter.DefaultRules())
		}
		if c.Current() != w {
			t.Fatalf("Expected %s, got %s", w, c.Current())
		}
	}
}

func TestControllerSuccessResetsFailures(t *testing.T) {
	pipes := failingPipelines()
	c := NewController(DefaultConfig(), asPipelines(pipes))
	ctx := context.Background()

	c.HandleFrame(ctx, nil, filter.DefaultRules())
	c.HandleFrame(ctx, nil, filter.DefaultRules())
	pipes[A].setSuccess(true)
	c.HandleFrame(ctx, nil, filter.DefaultRules())
	pipes[A].setSuccess(false)
	c.HandleFrame(ctx, nil, filter.DefaultRules())
	c.HandleFrame(ctx, nil, filter.DefaultRules())

	if c.Current() != A {
		t.Errorf("Expected success to reset the streak, got %s", c.Current())
	}
	snap := c.Snapshot()
	if snap.LastSuccessAt == nil {
		t.Error("Expected lastSuccessAt to be set")
	}
	if snap.Stats[A].Successes != 1 || snap.Stats[A].Failures != 4 {
		t.Errorf("Expected 1/4 on A, got %+v", snap.Stats[A])
	}
}

func TestControllerIgnoresFramesWithoutDispatch(t *testing.T) {
	idle := PipelineFunc(func(ctx context.Context, f *frame.Frame, rules filter.Rules) Outcome {
		return Outcome{Strategy: A}
	})
	c := NewController(DefaultConfig(), map[Strategy]Pipeline{A: idle})

	for i := 0; i < 10; i++ {
		c.HandleFrame(context.Background(), nil, filter.DefaultRules())
	}
	if c.Current() != A {
		t.Errorf("Expected no switch without dispatch attempts, got %s", c.Current())
	}
}

func TestControllerForce(t *testing.T) {
	var switches []Switch
	c := NewController(DefaultConfig(), asPipelines(failingPipelines()),
		OnSwitch(func(sw Switch) { switches = append(switches, sw) }))

	c.HandleFrame(context.Background(), nil, filter.DefaultRules())
	c.HandleFrame(context.Background(), nil, filter.DefaultRules())

	if err := c.Force(Hybrid); err != nil {
		t.Fatalf("Failed to force strategy: %v", err)
	}
	if c.Current() != Hybrid {
		t.Errorf("Expected Hybrid, got %s", c.Current())
	}
	if got := c.Snapshot().ConsecutiveFailures; got != 0 {
		t.Errorf("Expected failures reset, got %d", got)
	}
	if len(switches) != 1 || switches[0].Reason != ReasonManual {
		t.Errorf("Expected a manual switch, got %+v", switches)
	}

	if err := c.Force("Z"); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("Expected ErrUnknownStrategy, got %v", err)
	}
}

func TestControllerOptimize(t *testing.T) {
	tests := []struct {
		name    string
		record  map[Strategy][2]int // successes, failures
		switchT Strategy
	}{
		{
			name:    "better strategy by margin",
			record:  map[Strategy][2]int{A: {5, 5}, C: {8, 2}},
			switchT: C,
		},
		{
			name:    "exactly the margin",
			record:  map[Strategy][2]int{A: {5, 5}, B: {6, 4}},
			switchT: B,
		},
		{
			name:   "below margin",
			record: map[Strategy][2]int{A: {5, 5}, B: {11, 9}},
		},
		{
			name:   "current has no samples",
			record: map[Strategy][2]int{C: {10, 0}},
		},
		{
			name:   "others have no samples",
			record: map[Strategy][2]int{A: {0, 10}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewController(DefaultConfig(), asPipelines(failingPipelines()))
			for s, r := range tt.record {
				for i := 0; i < r[0]; i++ {
					c.stats[s].Record(true)
				}
				for i := 0; i < r[1]; i++ {
					c.stats[s].Record(false)
				}
			}

			switched := c.Optimize()
			if tt.switchT == "" {
				if switched || c.Current() != A {
					t.Errorf("Expected to stay on A, got %s", c.Current())
				}
				return
			}
			if !switched || c.Current() != tt.switchT {
				t.Errorf("Expected switch to %s, got %s", tt.switchT, c.Current())
			}
		})
	}
}

func TestControllerResetStats(t *testing.T) {
	c := NewController(DefaultConfig(), asPipelines(failingPipelines()))
	c.HandleFrame(context.Background(), nil, filter.DefaultRules())
	c.ResetStats()

	if got := c.Snapshot().Stats[A]; got.Successes != 0 || got.Failures != 0 {
		t.Errorf("Expected zeroed stats, got %+v", got)
	}
}

func TestControllerTickSkippedWhileBusy(t *testing.T) {
	pipes := failingPipelines()
	pipes[A].block = make(chan struct{})
	c := NewController(DefaultConfig(), asPipelines(pipes))

	done := make(chan struct{})
	go func() {
		c.HandleFrame(context.Background(), nil, filter.DefaultRules())
		close(done)
	}()

	// Wait until the frame is in flight.
	deadline := time.Now().Add(time.Second)
	for {
		pipes[A].mu.Lock()
		calls := pipes[A].calls
		pipes[A].mu.Unlock()
		if calls > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if c.Tick() {
		t.Error("Expected tick to be skipped while a frame is processed")
	}
	if snap := c.Snapshot(); snap.Strategy != A {
		t.Errorf("Expected snapshot to stay readable while busy, got %s", snap.Strategy)
	}

	close(pipes[A].block)
	<-done

	if !c.Tick() {
		t.Error("Expected tick to run once idle")
	}
}

func waitForCall(t *testing.T, p *scriptedPipeline) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		p.mu.Lock()
		calls := p.calls
		p.mu.Unlock()
		if calls > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the pipeline to run")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestControllerForceDuringFrameDiscardsResult(t *testing.T) {
	pipes := failingPipelines()
	pipes[A].block = make(chan struct{})
	c := NewController(DefaultConfig(), asPipelines(pipes))

	done := make(chan struct{})
	go func() {
		c.HandleFrame(context.Background(), nil, filter.DefaultRules())
		close(done)
	}()
	waitForCall(t, pipes[A])

	if err := c.Force(C); err != nil {
		t.Fatalf("Failed to force strategy: %v", err)
	}
	close(pipes[A].block)
	<-done

	snap := c.Snapshot()
	if snap.Strategy != C {
		t.Errorf("Expected C to stay active, got %s", snap.Strategy)
	}
	if got := snap.Stats[A]; got.Successes != 0 || got.Failures != 0 {
		t.Errorf("Expected in-flight result to be discarded, got %+v", got)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("Expected failure counter untouched, got %d", snap.ConsecutiveFailures)
	}
}

func TestControllerTickDoesNotCountFailures(t *testing.T) {
	c := NewController(DefaultConfig(), asPipelines(failingPipelines()))
	ctx := context.Background()

	c.HandleFrame(ctx, nil, filter.DefaultRules())
	c.HandleFrame(ctx, nil, filter.DefaultRules())
	if !c.Tick() {
		t.Fatal("Expected tick to run")
	}
	if c.Current() != A || c.Snapshot().ConsecutiveFailures != 2 {
		t.Errorf("Expected tick to leave the failure streak alone, got %+v", c.Snapshot())
	}

	c.HandleFrame(ctx, nil, filter.DefaultRules())
	if c.Current() != B {
		t.Errorf("Expected the third failed frame to advance, got %s", c.Current())
	}
}

func TestControllerCancelledFrameNotCounted(t *testing.T) {
	c := NewController(DefaultConfig(), asPipelines(failingPipelines()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		c.HandleFrame(ctx, nil, filter.DefaultRules())
	}
	if c.Current() != A || c.Snapshot().Stats[A].Failures != 0 {
		t.Errorf("Expected abandoned frames not to count, got %+v", c.Snapshot())
	}
}

func TestControllerRunStopsOnCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OptimizeInterval = 5 * time.Millisecond
	c := NewController(cfg, asPipelines(failingPipelines()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected Run to return after cancel")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Strategy
		err  bool
	}{
		{"A", A, false},
		{"hybrid", Hybrid, false},
		{"FALLBACK", Fallback, false},
		{"assisted", B, false},
		{"parallel", C, false},
		{"turbo", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.err {
				t.Fatalf("Expected error=%v, got %v", tt.err, err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}
