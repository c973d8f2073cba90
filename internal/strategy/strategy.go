package strategy

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

type Strategy string

const (
	A        Strategy = "A"
	B        Strategy = "B"
	C        Strategy = "C"
	Hybrid   Strategy = "Hybrid"
	Fallback Strategy = "Fallback"
)

// All lists strategies in switching order.
var All = []Strategy{A, B, C, Hybrid, Fallback}

// next is the cyclic order used when a strategy keeps failing.
var next = map[Strategy]Strategy{
	A:        B,
	B:        C,
	C:        Hybrid,
	Hybrid:   Fallback,
	Fallback: A,
}

var names = map[Strategy]string{
	A:        "local",
	B:        "assisted",
	C:        "parallel",
	Hybrid:   "hybrid",
	Fallback: "fallback",
}

func (s Strategy) Next() Strategy {
	if n, ok := next[s]; ok {
		return n
	}
	return A
}

func (s Strategy) Name() string {
	return names[s]
}

func (s Strategy) Valid() bool {
	_, ok := next[s]
	return ok
}

// Parse accepts either the slot letter or the descriptive name, in any case.
func Parse(v string) (Strategy, error) {
	v = strings.TrimSpace(v)
	for _, s := range All {
		if strings.EqualFold(v, string(s)) || strings.EqualFold(v, s.Name()) {
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, v)
}

// Stats counts dispatch attempts for one strategy. Counters only grow until
// Reset.
type Stats struct {
	successes atomic.Uint64
	failures  atomic.Uint64
}

func (s *Stats) Record(success bool) {
	if success {
		s.successes.Add(1)
	} else {
		s.failures.Add(1)
	}
}

func (s *Stats) Reset() {
	s.successes.Store(0)
	s.failures.Store(0)
}

func (s *Stats) Attempts() uint64 {
	return s.successes.Load() + s.failures.Load()
}

// Rate is the success share; ok is false when nothing was recorded.
func (s *Stats) Rate() (rate float64, ok bool) {
	succ := s.successes.Load()
	total := succ + s.failures.Load()
	if total == 0 {
		return 0, false
	}
	return float64(succ) / float64(total), true
}

func (s *Stats) Snapshot() StatsSnapshot {
	succ := s.successes.Load()
	fail := s.failures.Load()
	snap := StatsSnapshot{Successes: succ, Failures: fail}
	if succ+fail > 0 {
		snap.SuccessRate = float64(succ) / float64(succ+fail)
	}
	return snap
}

type StatsSnapshot struct {
	Successes   uint64  `json:"successes"`
	Failures    uint64  `json:"failures"`
	SuccessRate float64 `json:"successRate"`
}
