package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/kdimtricp/callpilot/internal/dispatch"
	"github.com/kdimtricp/callpilot/internal/frame"
	"github.com/kdimtricp/callpilot/internal/strategy"
)

// Decision is the record of one evaluated job: what was read off the frame,
// what the filter said, and whether the accept action landed.
type Decision struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionId"`
	Strategy    string          `json:"strategy"`
	Accept      bool            `json:"accept"`
	Reason      string          `json:"reason"`
	Fare        *int            `json:"fare,omitempty"`
	DistanceKm  *float64        `json:"distanceKm,omitempty"`
	Origin      *string         `json:"origin,omitempty"`
	Destination *string         `json:"destination,omitempty"`
	Dispatched  bool            `json:"dispatched"`
	Channel     string          `json:"channel,omitempty"`
	Target      *dispatch.Point `json:"target,omitempty"`
	LatencyMs   int64           `json:"latencyMs"`
	At          time.Time       `json:"at"`

	// Frame is the still the decision was made on. Not serialized.
	Frame *frame.Frame `json:"-"`
}

// FromOutcome builds a Decision from a pipeline outcome. Frames where no job
// was evaluated yield false.
func FromOutcome(sessionID string, f *frame.Frame, out strategy.Outcome) (Decision, bool) {
	if out.Decision == nil {
		return Decision{}, false
	}

	d := Decision{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Strategy:  out.Strategy.Name(),
		Accept:    out.Decision.Accept,
		Reason:    out.Decision.Reason,
		LatencyMs: out.Duration.Milliseconds(),
		At:        time.Now(),
		Frame:     f,
	}
	if f != nil && !f.CapturedAt.IsZero() {
		d.At = f.CapturedAt
	}
	if a := out.Attributes; a != nil {
		d.Fare = a.Fare
		d.DistanceKm = a.DistanceKm
		d.Origin = a.OriginArea
		d.Destination = a.DestinationArea
	}
	if r := out.Dispatch; r != nil && r.Success {
		d.Dispatched = true
		d.Channel = r.Channel
		target := r.Target
		d.Target = &target
	}
	return d, true
}
