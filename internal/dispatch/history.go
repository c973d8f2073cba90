package dispatch

import (
	"sort"
	"sync"
)

const DefaultHistorySize = 50

// History keeps the last N outcomes per channel.
type History struct {
	mu    sync.RWMutex
	size  int
	rings map[string]*ring
}

type ring struct {
	buf  []Outcome
	next int
	full bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size, rings: make(map[string]*ring)}
}

func (h *History) Add(o Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rings[o.Channel]
	if !ok {
		r = &ring{buf: make([]Outcome, h.size)}
		h.rings[o.Channel] = r
	}
	r.buf[r.next] = o
	r.next = (r.next + 1) % h.size
	if r.next == 0 {
		r.full = true
	}
}

// Outcomes returns a channel's recorded outcomes, oldest first.
func (h *History) Outcomes(channel string) []Outcome {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rings[channel]
	if !ok {
		return nil
	}
	if !r.full {
		return append([]Outcome(nil), r.buf[:r.next]...)
	}
	out := make([]Outcome, 0, h.size)
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (h *History) Len(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r, ok := h.rings[channel]
	if !ok {
		return 0
	}
	if r.full {
		return h.size
	}
	return r.next
}

// SuccessRate is the share of successful attempts in the window. A channel
// with no history reports ok=false.
func (h *History) SuccessRate(channel string) (rate float64, ok bool) {
	outcomes := h.Outcomes(channel)
	if len(outcomes) == 0 {
		return 0, false
	}
	var wins int
	for _, o := range outcomes {
		if o.Success {
			wins++
		}
	}
	return float64(wins) / float64(len(outcomes)), true
}

type ChannelStats struct {
	Channel      string  `json:"channel"`
	Attempts     int     `json:"attempts"`
	SuccessRate  float64 `json:"successRate"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

func (h *History) Stats() []ChannelStats {
	h.mu.RLock()
	names := make([]string, 0, len(h.rings))
	for name := range h.rings {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	stats := make([]ChannelStats, 0, len(names))
	for _, name := range names {
		outcomes := h.Outcomes(name)
		if len(outcomes) == 0 {
			continue
		}
		var wins int
		var latency int64
		for _, o := range outcomes {
			if o.Success {
				wins++
			}
			latency += o.LatencyMs
		}
		stats = append(stats, ChannelStats{
			Channel:      name,
			Attempts:     len(outcomes),
			SuccessRate:  float64(wins) / float64(len(outcomes)),
			AvgLatencyMs: float64(latency) / float64(len(outcomes)),
		})
	}
	return stats
}

// Ordered returns channels sorted by success rate, best first. Channels
// without history keep their configured position relative to each other and
// rank as if their rate were 1, so new channels get tried.
func (h *History) Ordered(channels []Channel) []Channel {
	type ranked struct {
		ch   Channel
		rate float64
	}
	rs := make([]ranked, len(channels))
	for i, ch := range channels {
		rate, ok := h.SuccessRate(ch.Name())
		if !ok {
			rate = 1
		}
		rs[i] = ranked{ch: ch, rate: rate}
	}
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].rate > rs[j].rate })

	out := make([]Channel, len(rs))
	for i, r := range rs {
		out[i] = r.ch
	}
	return out
}
