package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kdimtricp/callpilot/internal/filter"
)

var (
	ErrMissingType  = errors.New("message has no type")
	ErrUnknownType  = errors.New("unknown message type")
	ErrInvalidImage = errors.New("invalid screenshot image")
)

// Inbound types.
const (
	TypeScreenshot     = "screenshot"
	TypeFilterSettings = "filter_settings"
	TypeStatus         = "status"
	TypeLog            = "log"
	TypePing           = "ping"
)

// Outbound types.
const (
	TypeInit   = "init"
	TypeClick  = "click"
	TypeSwipe  = "swipe"
	TypeConfig = "config"
	TypePong   = "pong"
	TypeError  = "error"
)

type envelope struct {
	Type string `json:"type"`
}

// Screenshot carries one encoded frame. Image is base64, optionally as a
// data: URL.
type Screenshot struct {
	Image     string `json:"image"`
	Timestamp int64  `json:"timestamp"`
}

// Decode returns the raw image bytes.
func (s Screenshot) Decode() ([]byte, error) {
	data := s.Image
	if i := strings.Index(data, ","); strings.HasPrefix(data, "data:") && i >= 0 {
		data = data[i+1:]
	}
	if data == "" {
		return nil, ErrInvalidImage
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return raw, nil
}

// CapturedAt converts the client's millisecond timestamp. Zero means unknown.
func (s Screenshot) CapturedAt() time.Time {
	if s.Timestamp <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.Timestamp)
}

// Settings is the wire form of a rules update. Absent fields are nil.
type Settings struct {
	MinAmount      *int      `json:"minAmount,omitempty"`
	MaxAmount      *int      `json:"maxAmount,omitempty"`
	MinDistance    *float64  `json:"minDistance,omitempty"`
	MaxDistance    *float64  `json:"maxDistance,omitempty"`
	PreferredAreas *[]string `json:"preferredAreas,omitempty"`
	AvoidAreas     *[]string `json:"avoidAreas,omitempty"`
	AutoAccept     *bool     `json:"autoAccept,omitempty"`
	PriorityHigh   *bool     `json:"priorityHigh,omitempty"`
	AvoidTraffic   *bool     `json:"avoidTraffic,omitempty"`
}

// FilterSettings accepts the settings both flat and nested under "settings".
type FilterSettings struct {
	Settings
	Nested *Settings `json:"settings,omitempty"`
}

func (f FilterSettings) Patch() filter.Patch {
	s := f.Settings
	if f.Nested != nil {
		s = *f.Nested
	}
	return filter.Patch{
		MinAmount:       s.MinAmount,
		MaxAmount:       s.MaxAmount,
		MinDistance:     s.MinDistance,
		MaxDistance:     s.MaxDistance,
		PreferredAreas:  s.PreferredAreas,
		AvoidAreas:      s.AvoidAreas,
		AutoAccept:      s.AutoAccept,
		PriorityHigh:    s.PriorityHigh,
		AvoidCongestion: s.AvoidTraffic,
	}
}

type Status struct {
	Status string `json:"status"`
}

type Log struct {
	Message string `json:"message"`
}

type Ping struct{}

// Decode parses an inbound message and returns its type and typed payload.
func Decode(data []byte) (string, any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if env.Type == "" {
		return "", nil, ErrMissingType
	}

	var msg any
	switch env.Type {
	case TypeScreenshot:
		msg = &Screenshot{}
	case TypeFilterSettings:
		msg = &FilterSettings{}
	case TypeStatus:
		msg = &Status{}
	case TypeLog:
		msg = &Log{}
	case TypePing:
		return env.Type, &Ping{}, nil
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return env.Type, nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

type Init struct {
	Type      string       `json:"type"`
	SessionID string       `json:"sessionId"`
	DriverID  string       `json:"driverId"`
	Config    filter.Rules `json:"config"`
}

type Click struct {
	Type      string `json:"type"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Timestamp int64  `json:"timestamp"`
}

type Swipe struct {
	Type string `json:"type"`
	X1   int    `json:"x1"`
	Y1   int    `json:"y1"`
	X2   int    `json:"x2"`
	Y2   int    `json:"y2"`
}

type Config struct {
	Type string `json:"type"`
	filter.Rules
}

type Pong struct {
	Type string `json:"type"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// DriverID is kept alongside SessionID for clients built against the older
// init message.
func NewInit(sessionID string, rules filter.Rules) Init {
	return Init{Type: TypeInit, SessionID: sessionID, DriverID: sessionID, Config: rules}
}

func NewClick(x, y int, at time.Time) Click {
	return Click{Type: TypeClick, X: x, Y: y, Timestamp: at.UnixMilli()}
}

func NewSwipe(x1, y1, x2, y2 int) Swipe {
	return Swipe{Type: TypeSwipe, X1: x1, Y1: y1, X2: x2, Y2: y2}
}

func NewConfig(rules filter.Rules) Config {
	return Config{Type: TypeConfig, Rules: rules}
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}

func NewError(msg string) Error {
	return Error{Type: TypeError, Message: msg}
}

// Encode marshals an outbound message.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// ValidateCommand checks an arbitrary operator-supplied message: it must be a
// JSON object with a non-empty type.
func ValidateCommand(raw json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return fmt.Errorf("command must be a JSON object: %w", err)
	}
	t, ok := obj["type"]
	if !ok {
		return ErrMissingType
	}
	var typ string
	if err := json.Unmarshal(t, &typ); err != nil || typ == "" {
		return ErrMissingType
	}
	return nil
}
