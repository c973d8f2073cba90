package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kdimtricp/callpilot/internal/filter"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		msgType string
		wantErr error
	}{
		{"screenshot", `{"type":"screenshot","image":"aGVsbG8=","timestamp":1700000000000}`, TypeScreenshot, nil},
		{"filter settings", `{"type":"filter_settings","minAmount":7000}`, TypeFilterSettings, nil},
		{"status", `{"type":"status","status":"online"}`, TypeStatus, nil},
		{"log", `{"type":"log","message":"hello"}`, TypeLog, nil},
		{"ping", `{"type":"ping"}`, TypePing, nil},
		{"missing type", `{"image":"x"}`, "", ErrMissingType},
		{"unknown type", `{"type":"teleport"}`, "teleport", ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, msg, err := Decode([]byte(tt.input))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}
			if msgType != tt.msgType {
				t.Errorf("Expected type %s, got %s", tt.msgType, msgType)
			}
			if msg == nil {
				t.Error("Expected a payload")
			}
		})
	}

	if _, _, err := Decode([]byte("not json")); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}

func TestScreenshotDecode(t *testing.T) {
	raw := []byte{0x89, 'P', 'N', 'G'}
	enc := base64.StdEncoding.EncodeToString(raw)

	for _, image := range []string{enc, "data:image/png;base64," + enc} {
		got, err := Screenshot{Image: image}.Decode()
		if err != nil {
			t.Fatalf("Failed to decode %q: %v", image, err)
		}
		if string(got) != string(raw) {
			t.Errorf("Expected %v, got %v", raw, got)
		}
	}

	if _, err := (Screenshot{Image: "!!!"}).Decode(); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Expected ErrInvalidImage, got %v", err)
	}
	if _, err := (Screenshot{}).Decode(); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Expected ErrInvalidImage for empty image, got %v", err)
	}

	at := Screenshot{Timestamp: 1700000000123}.CapturedAt()
	if !at.Equal(time.UnixMilli(1700000000123)) {
		t.Errorf("Expected millisecond timestamp, got %v", at)
	}
	if !(Screenshot{}).CapturedAt().IsZero() {
		t.Error("Expected zero time for missing timestamp")
	}
}

func TestFilterSettingsPatch(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, r filter.Rules)
	}{
		{
			name:  "flat",
			input: `{"type":"filter_settings","minAmount":8000,"avoidTraffic":true,"priorityHigh":true}`,
			check: func(t *testing.T, r filter.Rules) {
				if r.MinAmount != 8000 || !r.AvoidCongestion || !r.PriorityHigh {
					t.Errorf("Expected flat settings applied, got %+v", r)
				}
			},
		},
		{
			name:  "nested",
			input: `{"type":"filter_settings","settings":{"maxDistance":5.5,"preferredAreas":["마포구"],"autoAccept":false}}`,
			check: func(t *testing.T, r filter.Rules) {
				if r.MaxDistance != 5.5 || r.AutoAccept || len(r.PreferredAreas) != 1 {
					t.Errorf("Expected nested settings applied, got %+v", r)
				}
				if r.MinAmount != 5000 {
					t.Errorf("Expected untouched minAmount 5000, got %d", r.MinAmount)
				}
			},
		},
		{
			name:  "empty list clears areas",
			input: `{"type":"filter_settings","preferredAreas":[]}`,
			check: func(t *testing.T, r filter.Rules) {
				if len(r.PreferredAreas) != 0 {
					t.Errorf("Expected preferred areas cleared, got %v", r.PreferredAreas)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, msg, err := Decode([]byte(tt.input))
			if err != nil {
				t.Fatalf("Failed to decode: %v", err)
			}
			fs := msg.(*FilterSettings)
			tt.check(t, fs.Patch().Apply(filter.DefaultRules()))
		})
	}
}

func TestOutboundEncoding(t *testing.T) {
	tests := []struct {
		name string
		msg  any
		want map[string]any
	}{
		{
			name: "click",
			msg:  NewClick(540, 1800, time.UnixMilli(1700000000000)),
			want: map[string]any{"type": "click", "x": 540.0, "y": 1800.0, "timestamp": 1700000000000.0},
		},
		{
			name: "swipe",
			msg:  NewSwipe(1, 2, 3, 4),
			want: map[string]any{"type": "swipe", "x1": 1.0, "y2": 4.0},
		},
		{
			name: "pong",
			msg:  NewPong(),
			want: map[string]any{"type": "pong"},
		},
		{
			name: "config flattens rules",
			msg:  NewConfig(filter.DefaultRules()),
			want: map[string]any{"type": "config", "minAmount": 5000.0, "autoAccept": true},
		},
		{
			name: "init",
			msg:  NewInit("abc", filter.DefaultRules()),
			want: map[string]any{"type": "init", "sessionId": "abc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("Failed to encode: %v", err)
			}
			var got map[string]any
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Failed to parse output: %v", err)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("Expected %s=%v, got %v", k, v, got[k])
				}
			}
		})
	}
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{`{"type":"click","x":1,"y":2}`, true},
		{`{"type":"custom_action"}`, true},
		{`{"x":1}`, false},
		{`{"type":""}`, false},
		{`{"type":5}`, false},
		{`[1,2,3]`, false},
		{`"click"`, false},
	}

	for _, tt := range tests {
		err := ValidateCommand(json.RawMessage(tt.input))
		if (err == nil) != tt.valid {
			t.Errorf("%s: expected valid=%v, got %v", tt.input, tt.valid, err)
		}
	}
}
