package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/kdimtricp/callpilot/internal/detect"
	"github.com/kdimtricp/callpilot/internal/dispatch"
	"github.com/kdimtricp/callpilot/internal/extract"
	"github.com/kdimtricp/callpilot/internal/filter"
	"github.com/kdimtricp/callpilot/internal/strategy"
)

const DefaultOutboundQueue = 64

// Deps is what every new session is built from. Nothing in it is mutated
// after the manager is created. Unset rules and detector settings fall back
// to the package defaults.
type Deps struct {
	Detector        detect.Config
	Parser          *extract.Parser
	OCR             extract.Recognizer
	DefaultRules    filter.Rules
	Strategy        strategy.Config
	FallbackPoints  []dispatch.Point
	DispatchTimeout time.Duration
	HistorySize     int
	OutboundQueue   int
	// ExtraChannels returns channels tried after the session's own push
	// channel. Called once per session.
	ExtraChannels func(sessionID string) []dispatch.Channel
	Observer      Observer
	Logger        hclog.Logger
}

// Totals are aggregate counters over the life of the server, including
// sessions that have since disconnected.
type Totals struct {
	sessionsOpened atomic.Int64
	jobsSeen       atomic.Int64
	accepted       atomic.Int64
	rejected       atomic.Int64
	earnings       atomic.Int64
}

type TotalsSnapshot struct {
	ActiveSessions int   `json:"activeSessions"`
	SessionsOpened int64 `json:"sessionsOpened"`
	JobsSeen       int64 `json:"totalCalls"`
	Accepted       int64 `json:"accepted"`
	Rejected       int64 `json:"rejected"`
	Earnings       int64 `json:"earnings"`
}

// Manager is the registry of live sessions. Its lock is only taken on
// connect, disconnect and monitoring reads; frame processing never touches it.
type Manager struct {
	deps   Deps
	logger hclog.Logger

	sessionsMu sync.RWMutex
	sessions   map[string]*Session

	totals Totals
}

func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = hclog.NewNullLogger()
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	if deps.Parser == nil {
		deps.Parser = extract.NewParser(extract.DefaultConfig())
	}
	if deps.OutboundQueue <= 0 {
		deps.OutboundQueue = DefaultOutboundQueue
	}
	if deps.DefaultRules.IsZero() {
		deps.DefaultRules = filter.DefaultRules()
	} else if err := deps.DefaultRules.Validate(); err != nil {
		deps.Logger.Warn("invalid default rules, using built-in defaults", "error", err)
		deps.DefaultRules = filter.DefaultRules()
	}

	return &Manager{
		deps:     deps,
		logger:   deps.Logger.Named("session"),
		sessions: make(map[string]*Session),
	}
}

// Open creates a session bound to parent. Cancelling parent tears the
// session down just like Close.
func (m *Manager) Open(parent context.Context) *Session {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(parent)
	logger := m.logger.With("session", id)
	obs := m.deps.Observer

	s := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		lastSeen:  time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		rules:     filter.NewStore(m.deps.DefaultRules),
		observer:  obs,
		totals:    &m.totals,
		logger:    logger,
		frames:    newFrameSlot(),
		outbound:  make(chan []byte, m.deps.OutboundQueue),
	}

	channels := []dispatch.Channel{dispatch.NewPushChannel("push", s.push)}
	if m.deps.ExtraChannels != nil {
		channels = append(channels, m.deps.ExtraChannels(id)...)
	}

	s.cascade = dispatch.NewCascade(channels,
		dispatch.WithTimeout(m.deps.DispatchTimeout),
		dispatch.WithHistory(dispatch.NewHistory(m.deps.HistorySize)),
		dispatch.WithObserver(func(o dispatch.Outcome) { obs.ChannelAttempt(id, o) }),
		dispatch.WithLogger(logger.Named("dispatch")),
	)

	var extractor *extract.Extractor
	if m.deps.OCR != nil {
		extractor = extract.New(m.deps.OCR, m.deps.Parser, logger)
	}

	pipelines := strategy.NewPipelines(strategy.Components{
		Detector:       detect.New(m.deps.Detector),
		Extractor:      extractor,
		Cascade:        s.cascade,
		FallbackPoints: m.deps.FallbackPoints,
		Logger:         logger,
	})
	s.controller = strategy.NewController(m.deps.Strategy, pipelines,
		strategy.WithLogger(logger.Named("strategy")),
		strategy.OnSwitch(func(sw strategy.Switch) { obs.StrategySwitched(id, sw) }),
	)

	m.sessionsMu.Lock()
	m.sessions[id] = s
	m.sessionsMu.Unlock()
	m.totals.sessionsOpened.Add(1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.processLoop()
	}()
	go func() {
		defer wg.Done()
		s.controller.Run(ctx)
	}()
	go func() {
		wg.Wait()
		close(s.done)
	}()

	// The parent going away (server shutdown) also unregisters the session.
	go func() {
		<-ctx.Done()
		m.remove(id, s)
	}()

	logger.Info("session opened")
	obs.SessionOpened(id)
	return s
}

func (m *Manager) Get(id string) (*Session, error) {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Close tears the session down. In-flight work is abandoned, not retried.
func (m *Manager) Close(id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	m.remove(id, s)
	return nil
}

func (m *Manager) remove(id string, s *Session) {
	m.sessionsMu.Lock()
	cur, ok := m.sessions[id]
	if ok && cur == s {
		delete(m.sessions, id)
	}
	m.sessionsMu.Unlock()

	s.cancel()
	if ok && cur == s {
		s.logger.Info("session closed")
		m.deps.Observer.SessionClosed(id)
	}
}

// CloseAll tears down every session and waits for their goroutines.
func (m *Manager) CloseAll() {
	m.sessionsMu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessionsMu.RUnlock()

	for _, s := range all {
		m.remove(s.ID, s)
	}
	for _, s := range all {
		s.Wait()
	}
}

func (m *Manager) Count() int {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	return len(m.sessions)
}

// List returns every live session, oldest first.
func (m *Manager) List() []Info {
	m.sessionsMu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessionsMu.RUnlock()

	infos := make([]Info, 0, len(all))
	for _, s := range all {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos
}

func (m *Manager) Totals() TotalsSnapshot {
	return TotalsSnapshot{
		ActiveSessions: m.Count(),
		SessionsOpened: m.totals.sessionsOpened.Load(),
		JobsSeen:       m.totals.jobsSeen.Load(),
		Accepted:       m.totals.accepted.Load(),
		Rejected:       m.totals.rejected.Load(),
		Earnings:       m.totals.earnings.Load(),
	}
}
