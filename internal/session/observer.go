package session

import (
	"github.com/kdimtricp/callpilot/internal/dispatch"
	"github.com/kdimtricp/callpilot/internal/frame"
	"github.com/kdimtricp/callpilot/internal/strategy"
)

// Observer receives session lifecycle and pipeline events. Implementations
// must not block: they are called from the session's processing goroutine.
type Observer interface {
	SessionOpened(sessionID string)
	SessionClosed(sessionID string)
	FrameProcessed(sessionID string, f *frame.Frame, out strategy.Outcome)
	FrameDropped(sessionID string)
	FrameInvalid(sessionID string, err error)
	StrategySwitched(sessionID string, sw strategy.Switch)
	ChannelAttempt(sessionID string, o dispatch.Outcome)
}

// NopObserver can be embedded to implement only some of the events.
type NopObserver struct{}

func (NopObserver) SessionOpened(string)                                  {}
func (NopObserver) SessionClosed(string)                                  {}
func (NopObserver) FrameProcessed(string, *frame.Frame, strategy.Outcome) {}
func (NopObserver) FrameDropped(string)                                   {}
func (NopObserver) FrameInvalid(string, error)                            {}
func (NopObserver) StrategySwitched(string, strategy.Switch)              {}
func (NopObserver) ChannelAttempt(string, dispatch.Outcome)               {}

// Multi fans events out to several observers in order.
type Multi []Observer

func (m Multi) SessionOpened(id string) {
	for _, o := range m {
		o.SessionOpened(id)
	}
}

func (m Multi) SessionClosed(id string) {
	for _, o := range m {
		o.SessionClosed(id)
	}
}

func (m Multi) FrameProcessed(id string, f *frame.Frame, out strategy.Outcome) {
	for _, o := range m {
		o.FrameProcessed(id, f, out)
	}
}

func (m Multi) FrameDropped(id string) {
	for _, o := range m {
		o.FrameDropped(id)
	}
}

func (m Multi) FrameInvalid(id string, err error) {
	for _, o := range m {
		o.FrameInvalid(id, err)
	}
}

func (m Multi) StrategySwitched(id string, sw strategy.Switch) {
	for _, o := range m {
		o.StrategySwitched(id, sw)
	}
}

func (m Multi) ChannelAttempt(id string, out dispatch.Outcome) {
	for _, o := range m {
		o.ChannelAttempt(id, out)
	}
}
