package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"

	"github.com/kdimtricp/callpilot/internal/detect"
	"github.com/kdimtricp/callpilot/internal/dispatch"
	"github.com/kdimtricp/callpilot/internal/extract"
	"github.com/kdimtricp/callpilot/internal/filter"
	"github.com/kdimtricp/callpilot/internal/frame"
)

// DefaultFallbackPoints are where the accept button sits on common handset
// resolutions.
var DefaultFallbackPoints = []dispatch.Point{
	{X: 540, Y: 1800},
	{X: 540, Y: 1600},
	{X: 720, Y: 1800},
	{X: 360, Y: 1800},
}

// Outcome is the result of running one frame through a strategy. Nil fields
// mean the pipeline stopped before that stage.
type Outcome struct {
	Strategy   Strategy            `json:"strategy"`
	Signal     detect.Signal       `json:"signal"`
	Attributes *extract.Attributes `json:"attributes,omitempty"`
	Decision   *filter.Decision    `json:"decision,omitempty"`
	Dispatch   *dispatch.Result    `json:"dispatch,omitempty"`
	Duration   time.Duration       `json:"duration"`
	Err        error               `json:"-"`
}

// Attempted reports whether the cascade ran.
func (o Outcome) Attempted() bool {
	return o.Dispatch != nil
}

func (o Outcome) Succeeded() bool {
	return o.Dispatch != nil && o.Dispatch.Success
}

type Pipeline interface {
	Run(ctx context.Context, f *frame.Frame, rules filter.Rules) Outcome
}

type PipelineFunc func(ctx context.Context, f *frame.Frame, rules filter.Rules) Outcome

func (fn PipelineFunc) Run(ctx context.Context, f *frame.Frame, rules filter.Rules) Outcome {
	return fn(ctx, f, rules)
}

// Components are the per-session building blocks the strategies compose.
type Components struct {
	Detector       *detect.Detector
	Extractor      *extract.Extractor
	Cascade        *dispatch.Cascade
	FallbackPoints []dispatch.Point
	Logger         hclog.Logger
}

// NewPipelines builds one pipeline per strategy from shared components.
func NewPipelines(c Components) map[Strategy]Pipeline {
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if len(c.FallbackPoints) == 0 {
		c.FallbackPoints = DefaultFallbackPoints
	}

	strict := c.Detector
	relaxed := strict.Relaxed()
	centroid := func(sig detect.Signal) []dispatch.Point {
		if !sig.Found {
			return nil
		}
		return []dispatch.Point{{X: sig.X, Y: sig.Y}}
	}

	fb := newFallbackTargets(c.FallbackPoints)

	return map[Strategy]Pipeline{
		A: &composed{
			strategy:  A,
			detect:    single(strict),
			extractor: c.Extractor,
			cascade:   c.Cascade,
			mode:      dispatch.Sequential,
			targets:   centroid,
		},
		B: &composed{
			strategy:  B,
			detect:    single(relaxed),
			extractor: c.Extractor,
			cascade:   c.Cascade,
			mode:      dispatch.Sequential,
			byRate:    true,
			targets:   centroid,
		},
		C: &composed{
			strategy:  C,
			detect:    single(strict),
			extractor: c.Extractor,
			cascade:   c.Cascade,
			mode:      dispatch.Parallel,
			targets:   centroid,
		},
		Hybrid: &composed{
			strategy:  Hybrid,
			detect:    concurrent(c.Logger, strict, relaxed),
			extractor: c.Extractor,
			cascade:   c.Cascade,
			mode:      dispatch.Parallel,
			targets:   centroid,
		},
		Fallback: &composed{
			strategy: Fallback,
			detect:   single(relaxed),
			cascade:  c.Cascade,
			mode:     dispatch.Sequential,
			targets:  fb.targets,
			onResult: fb.record,
		},
	}
}

type detectFunc func(ctx context.Context, f *frame.Frame) detect.Signal

func single(d *detect.Detector) detectFunc {
	return func(ctx context.Context, f *frame.Frame) detect.Signal {
		return d.Detect(f)
	}
}

// concurrent runs every detector at once and merges their signals. A source
// that panics contributes no signal.
func concurrent(logger hclog.Logger, detectors ...*detect.Detector) detectFunc {
	return func(ctx context.Context, f *frame.Frame) detect.Signal {
		signals := make([]detect.Signal, len(detectors))
		g, _ := errgroup.WithContext(ctx)
		for i, d := range detectors {
			i, d := i, d
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("detection source panicked", "source", i, "panic", r)
						err = fmt.Errorf("detection source %d panicked: %v", i, r)
					}
				}()
				signals[i] = d.Detect(f)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			logger.Debug("hybrid detection degraded", "error", err)
		}
		return detect.Merge(signals...)
	}
}

type composed struct {
	strategy  Strategy
	detect    detectFunc
	extractor *extract.Extractor
	cascade   *dispatch.Cascade
	mode      dispatch.Mode
	byRate    bool
	targets   func(sig detect.Signal) []dispatch.Point
	onResult  func(res dispatch.Result)
}

func (p *composed) Run(ctx context.Context, f *frame.Frame, rules filter.Rules) (out Outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Strategy: p.strategy, Err: fmt.Errorf("%s pipeline panicked: %v", p.strategy, r)}
		}
		out.Duration = time.Since(start)
	}()

	out.Strategy = p.strategy
	out.Signal = p.detect(ctx, f)

	targets := p.targets(out.Signal)
	if len(targets) == 0 {
		return out
	}

	attrs := extract.Attributes{DetectedAt: f.CapturedAt}
	if p.extractor != nil {
		attrs = p.extractor.Extract(ctx, f)
	}
	out.Attributes = &attrs

	decision := filter.Decide(attrs, rules)
	out.Decision = &decision
	if !decision.Accept {
		return out
	}

	// The session may have gone away while OCR ran.
	if err := ctx.Err(); err != nil {
		out.Err = err
		return out
	}

	res, err := p.cascade.Run(ctx, dispatch.Request{Targets: targets, Mode: p.mode, ByRate: p.byRate})
	if err != nil && ctx.Err() != nil {
		out.Err = err
		return out
	}
	out.Err = err
	out.Dispatch = &res
	if p.onResult != nil {
		p.onResult(res)
	}
	return out
}

// fallbackTargets orders the known button positions by how often a tap there
// has worked.
type fallbackTargets struct {
	mu     sync.Mutex
	points []dispatch.Point
	hits   map[dispatch.Point]int
}

func newFallbackTargets(points []dispatch.Point) *fallbackTargets {
	return &fallbackTargets{
		points: append([]dispatch.Point(nil), points...),
		hits:   make(map[dispatch.Point]int),
	}
}

// targets tries the detected centroid first. Without a full signal, any
// matching sample is enough evidence to try the fixed positions.
func (fb *fallbackTargets) targets(sig detect.Signal) []dispatch.Point {
	if !sig.Found && sig.PixelCount == 0 {
		return nil
	}

	fb.mu.Lock()
	ordered := append([]dispatch.Point(nil), fb.points...)
	sort.SliceStable(ordered, func(i, j int) bool { return fb.hits[ordered[i]] > fb.hits[ordered[j]] })
	fb.mu.Unlock()

	if !sig.Found {
		return ordered
	}

	centre := dispatch.Point{X: sig.X, Y: sig.Y}
	out := []dispatch.Point{centre}
	for _, p := range ordered {
		if p != centre {
			out = append(out, p)
		}
	}
	return out
}

func (fb *fallbackTargets) record(res dispatch.Result) {
	if !res.Success {
		return
	}
	fb.mu.Lock()
	fb.hits[res.Target]++
	fb.mu.Unlock()
}
