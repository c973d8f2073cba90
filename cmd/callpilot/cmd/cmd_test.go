package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kdimtricp/callpilot/internal/ai"
	"github.com/kdimtricp/callpilot/internal/config"
	"github.com/kdimtricp/callpilot/internal/detect"
	"github.com/kdimtricp/callpilot/internal/extract"
	"github.com/kdimtricp/callpilot/internal/filter"
	"github.com/kdimtricp/callpilot/internal/frame"
	"github.com/kdimtricp/callpilot/internal/logging"
	"github.com/kdimtricp/callpilot/internal/session"
)

func writeScreen(t *testing.T, dir, name string, withButton bool) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 1080, 2400))
	if withButton {
		for y := 1775; y <= 1825; y++ {
			for x := 490; x <= 590; x++ {
				img.SetRGBA(x, y, color.RGBA{R: 254, G: 229, B: 0, A: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode screen: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("Failed to write screen: %v", err)
	}
	return path
}

func TestAnalyzeFrames(t *testing.T) {
	dir := t.TempDir()
	withButton := writeScreen(t, dir, "offer.png", true)
	blank := writeScreen(t, dir, "blank.png", false)
	broken := filepath.Join(dir, "broken.png")
	os.WriteFile(broken, []byte("not an image"), 0o644)

	rules := filter.DefaultRules()
	rules.MaxDistance = 8
	ex := extract.New(ai.StaticRecognizer("12,000원 3.2km 강남구"), extract.NewParser(extract.DefaultConfig()), logging.Discard())

	paths := []string{withButton, blank, broken}
	results, err := analyzeFrames(context.Background(), frame.NewFileSource("test", paths...), paths,
		detect.New(detect.DefaultConfig()), ex, rules)
	if err != nil {
		t.Fatalf("Failed to analyze: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}

	offer := results[0]
	if !offer.Signal.Found || offer.Signal.X != 540 || offer.Signal.Y != 1800 {
		t.Errorf("Expected button at (540,1800), got %+v", offer.Signal)
	}
	if offer.Decision == nil || !offer.Decision.Accept {
		t.Errorf("Expected accept, got %+v", offer.Decision)
	}
	if offer.Attrs == nil || offer.Attrs.Fare == nil || *offer.Attrs.Fare != 12000 {
		t.Errorf("Expected fare 12000, got %+v", offer.Attrs)
	}

	if results[1].Signal.Found || results[1].Decision != nil {
		t.Errorf("Expected no signal on blank screen, got %+v", results[1])
	}
	if results[2].Error == "" || results[2].File != broken {
		t.Errorf("Expected decode error for broken file, got %+v", results[2])
	}
}

func TestCallAPI(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/stats":
			w.Write([]byte(`{"activeSessions":2,"totalCalls":7,"accepted":3}`))
		case "/api/sessions/abc/strategy":
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Write([]byte(`{"strategy":"B","strategyName":"assisted"}`))
		default:
			http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		}
	}))
	defer srv.Close()

	apiURL = srv.URL + "/"
	defer func() { apiURL = "" }()

	var totals session.TotalsSnapshot
	if err := callAPI(http.MethodGet, "/api/stats", nil, &totals); err != nil {
		t.Fatalf("Failed to call API: %v", err)
	}
	if totals.ActiveSessions != 2 || totals.JobsSeen != 7 || totals.Accepted != 3 {
		t.Errorf("Expected decoded totals, got %+v", totals)
	}

	if err := callAPI(http.MethodPost, "/api/sessions/abc/strategy", map[string]string{"strategy": "B"}, nil); err != nil {
		t.Fatalf("Failed to call API: %v", err)
	}
	if gotBody["strategy"] != "B" {
		t.Errorf("Expected strategy in request body, got %v", gotBody)
	}

	err := callAPI(http.MethodGet, "/api/sessions/missing", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("Expected 404 error, got %v", err)
	}
}

func TestGetAPIURL(t *testing.T) {
	tests := []struct {
		name string
		flag string
		env  string
		want string
	}{
		{"default", "", "", "http://localhost:8080"},
		{"env", "", "http://pilot:9000", "http://pilot:9000"},
		{"flag wins", "http://flag:1/", "http://pilot:9000", "http://flag:1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(config.EnvPrefix+"_API", tt.env)
			apiURL = tt.flag
			defer func() { apiURL = "" }()

			if got := GetAPIURL(); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestExtraChannels(t *testing.T) {
	if extraChannels(config.DispatchConfig{}, logging.Discard()) != nil {
		t.Error("Expected no channel factory without configured channels")
	}

	build := extraChannels(config.DispatchConfig{
		Channels: []config.ChannelConfig{
			{Name: "adb", Kind: "http", URL: "http://127.0.0.1:1/tap"},
			{Name: "a11y", Kind: "http", URL: "http://127.0.0.1:2/tap"},
		},
	}, logging.Discard())

	a := build("s1")
	b := build("s2")
	if len(a) != 2 || a[0].Name() != "adb" || a[1].Name() != "a11y" {
		t.Fatalf("Expected adb and a11y channels, got %v", a)
	}
	if a[0] == b[0] {
		t.Error("Expected each session to get its own breaker")
	}
}

func TestRedact(t *testing.T) {
	settings := map[string]any{
		"ocr": map[string]any{"google_api_key": "secret", "openai_api_key": "", "language": "kor"},
	}
	redact(settings, "ocr", "google_api_key", "openai_api_key")

	ocr := settings["ocr"].(map[string]any)
	if ocr["google_api_key"] != "<redacted>" {
		t.Errorf("Expected key to be redacted, got %v", ocr["google_api_key"])
	}
	if ocr["openai_api_key"] != "" || ocr["language"] != "kor" {
		t.Errorf("Expected other values untouched, got %v", ocr)
	}
}
