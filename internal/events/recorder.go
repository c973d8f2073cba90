package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/kdimtricp/callpilot/internal/frame"
	"github.com/kdimtricp/callpilot/internal/session"
	"github.com/kdimtricp/callpilot/internal/strategy"
)

const (
	DefaultQueueSize   = 256
	defaultSinkTimeout = 2 * time.Second
)

// Recorder turns evaluated frames into Decisions and hands them to its sinks
// from a single background goroutine. The frame path only does a
// non-blocking enqueue; when the queue is full the decision is dropped.
type Recorder struct {
	session.NopObserver

	sinks   []Sink
	queue   chan Decision
	timeout time.Duration
	logger  hclog.Logger

	dropped atomic.Uint64
}

func NewRecorder(logger hclog.Logger, queueSize int, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Recorder{
		sinks:   sinks,
		queue:   make(chan Decision, queueSize),
		timeout: defaultSinkTimeout,
		logger:  logger.Named("events"),
	}
}

func (r *Recorder) FrameProcessed(sessionID string, f *frame.Frame, out strategy.Outcome) {
	d, ok := FromOutcome(sessionID, f, out)
	if !ok {
		return
	}
	select {
	case r.queue <- d:
	default:
		r.dropped.Add(1)
		r.logger.Warn("decision queue full, dropping", "session", sessionID)
	}
}

// Dropped is the number of decisions lost to a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Run delivers queued decisions until ctx is cancelled, then flushes what is
// already queued.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case d := <-r.queue:
			r.deliver(ctx, d)
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	for {
		select {
		case d := <-r.queue:
			r.deliver(ctx, d)
		default:
			return
		}
	}
}

func (r *Recorder) deliver(parent context.Context, d Decision) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(parent, r.timeout)
		if err := s.Record(ctx, d); err != nil {
			r.logger.Warn("failed to record decision", "session", d.SessionID, "decision", d.ID, "error", err)
		}
		cancel()
	}
}

var _ session.Observer = (*Recorder)(nil)
