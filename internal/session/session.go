package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/kdimtricp/callpilot/internal/dispatch"
	"github.com/kdimtricp/callpilot/internal/filter"
	"github.com/kdimtricp/callpilot/internal/frame"
	"github.com/kdimtricp/callpilot/internal/protocol"
	"github.com/kdimtricp/callpilot/internal/strategy"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrClosed    = errors.New("session closed")
	ErrQueueFull = errors.New("outbound queue full")
)

// Session is one connected device. Everything it holds is private to it:
// rules, controller, detector, cascade and counters.
type Session struct {
	ID        string
	CreatedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	rules      *filter.Store
	controller *strategy.Controller
	cascade    *dispatch.Cascade
	observer   Observer
	totals     *Totals
	logger     hclog.Logger

	frames   *frameSlot
	outbound chan []byte

	mu          sync.RWMutex
	lastFrame   []byte
	lastFrameAt time.Time
	status      string
	lastLog     string
	lastSeen    time.Time

	jobsSeen        atomic.Int64
	accepted        atomic.Int64
	rejected        atomic.Int64
	earnings        atomic.Int64
	framesProcessed atomic.Uint64
	framesDropped   atomic.Uint64
}

// Info is the monitoring view of a session.
type Info struct {
	ID              string                  `json:"id"`
	CreatedAt       time.Time               `json:"createdAt"`
	LastSeen        time.Time               `json:"lastSeen"`
	Status          string                  `json:"status,omitempty"`
	LastLog         string                  `json:"lastLog,omitempty"`
	Rules           filter.Rules            `json:"rules"`
	Strategy        strategy.Snapshot       `json:"strategy"`
	Channels        []dispatch.ChannelStats `json:"channels"`
	JobsSeen        int64                   `json:"jobsSeen"`
	Accepted        int64                   `json:"accepted"`
	Rejected        int64                   `json:"rejected"`
	Earnings        int64                   `json:"earnings"`
	FramesProcessed uint64                  `json:"framesProcessed"`
	FramesDropped   uint64                  `json:"framesDropped"`
	HasFrame        bool                    `json:"hasFrame"`
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Wait blocks until the processing goroutines have exited.
func (s *Session) Wait() {
	<-s.done
}

// Outbound yields encoded messages for the transport to write.
func (s *Session) Outbound() <-chan []byte {
	return s.outbound
}

// SubmitFrame queues an encoded frame for processing. If a frame is already
// waiting it is replaced and counted as dropped.
func (s *Session) SubmitFrame(data []byte, capturedAt time.Time) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}

	s.mu.Lock()
	s.lastFrame = data
	s.lastFrameAt = time.Now()
	s.lastSeen = s.lastFrameAt
	s.mu.Unlock()

	if s.frames.put(pendingFrame{data: data, at: capturedAt}) {
		s.framesDropped.Add(1)
		s.observer.FrameDropped(s.ID)
	}
	return nil
}

func (s *Session) processLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.frames.ready:
			p, ok := s.frames.take()
			if !ok {
				continue
			}
			s.process(p)
		}
	}
}

func (s *Session) process(p pendingFrame) {
	f, err := frame.Decode(s.ID, p.data, p.at)
	if err != nil {
		s.logger.Warn("dropping undecodable frame", "error", err)
		s.observer.FrameInvalid(s.ID, err)
		return
	}

	out := s.controller.HandleFrame(s.ctx, f, s.rules.Get())

	// Torn down mid-frame: the result belongs to nobody.
	if s.ctx.Err() != nil {
		return
	}

	if out.Decision != nil {
		s.jobsSeen.Add(1)
		s.totals.jobsSeen.Add(1)
		if out.Decision.Accept {
			s.accepted.Add(1)
			s.totals.accepted.Add(1)
			if out.Attributes != nil && out.Attributes.Fare != nil {
				s.earnings.Add(int64(*out.Attributes.Fare))
				s.totals.earnings.Add(int64(*out.Attributes.Fare))
			}
		} else {
			s.rejected.Add(1)
			s.totals.rejected.Add(1)
		}
		s.logger.Info("job evaluated",
			"strategy", out.Strategy,
			"accept", out.Decision.Accept,
			"reason", out.Decision.Reason,
			"dispatched", out.Succeeded())
	}
	if out.Err != nil {
		s.logger.Debug("frame finished with error", "strategy", out.Strategy, "error", out.Err)
	}
	s.framesProcessed.Add(1)

	s.observer.FrameProcessed(s.ID, f, out)
}

// Send encodes msg and queues it for the client. When the queue is full the
// oldest queued message is discarded.
func (s *Session) Send(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.enqueue(data)
}

// SendRaw queues an operator-supplied message after checking it has a type.
func (s *Session) SendRaw(raw json.RawMessage) error {
	if err := protocol.ValidateCommand(raw); err != nil {
		return err
	}
	return s.enqueue([]byte(raw))
}

func (s *Session) enqueue(data []byte) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	for i := 0; i < 2; i++ {
		select {
		case s.outbound <- data:
			return nil
		default:
		}
		select {
		case <-s.outbound:
			s.logger.Warn("outbound queue full, dropped oldest message")
		default:
		}
	}
	return ErrQueueFull
}

// push is the session's own dispatch channel: the click goes back over the
// connection the frame came from.
func (s *Session) push(ctx context.Context, x, y int) (bool, error) {
	if err := s.Send(protocol.NewClick(x, y, time.Now())); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Session) Rules() filter.Rules {
	return s.rules.Get()
}

func (s *Session) UpdateRules(r filter.Rules) error {
	if err := s.rules.Update(r); err != nil {
		return err
	}
	s.logger.Info("rules updated")
	return nil
}

// ApplySettings merges a partial update onto the current rules. On error the
// returned rules are the ones still in effect.
func (s *Session) ApplySettings(p filter.Patch) (filter.Rules, error) {
	r, err := s.rules.ApplyPatch(p)
	if err != nil {
		s.logger.Warn("rejected rules update", "error", err)
		return r, err
	}
	s.logger.Info("rules updated", "min_amount", r.MinAmount, "max_distance", r.MaxDistance, "auto_accept", r.AutoAccept)
	return r, nil
}

func (s *Session) ForceStrategy(name string) (strategy.Strategy, error) {
	st, err := strategy.Parse(name)
	if err != nil {
		return "", err
	}
	return st, s.controller.Force(st)
}

func (s *Session) ResetStats() {
	s.controller.ResetStats()
}

func (s *Session) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) SetLastLog(msg string) {
	s.mu.Lock()
	s.lastLog = msg
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastFrame returns the most recent frame received, processed or not.
func (s *Session) LastFrame() ([]byte, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.lastFrame) == 0 {
		return nil, time.Time{}, false
	}
	return s.lastFrame, s.lastFrameAt, true
}

func (s *Session) Info() Info {
	s.mu.RLock()
	info := Info{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		LastSeen:  s.lastSeen,
		Status:    s.status,
		LastLog:   s.lastLog,
		HasFrame:  len(s.lastFrame) > 0,
	}
	s.mu.RUnlock()

	info.Rules = s.rules.Get()
	info.Strategy = s.controller.Snapshot()
	info.Channels = s.cascade.History().Stats()
	info.JobsSeen = s.jobsSeen.Load()
	info.Accepted = s.accepted.Load()
	info.Rejected = s.rejected.Load()
	info.Earnings = s.earnings.Load()
	info.FramesProcessed = s.framesProcessed.Load()
	info.FramesDropped = s.framesDropped.Load()
	return info
}
