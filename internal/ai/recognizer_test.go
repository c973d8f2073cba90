package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type mockRecognizer struct {
	text  string
	err   error
	calls int
}

func (m *mockRecognizer) Recognize(ctx context.Context, imageData []byte) (string, error) {
	m.calls++
	return m.text, m.err
}

func TestChainRecognize(t *testing.T) {
	tests := []struct {
		name      string
		engines   []*mockRecognizer
		expected  string
		expectErr bool
		calls     []int
	}{
		{
			name: "first engine wins",
			engines: []*mockRecognizer{
				{text: "12,000원"},
				{text: "ignored"},
			},
			expected: "12,000원",
			calls:    []int{1, 0},
		},
		{
			name: "falls through errors and empty text",
			engines: []*mockRecognizer{
				{err: errors.New("quota exceeded")},
				{text: ""},
				{text: "3.2km"},
			},
			expected: "3.2km",
			calls:    []int{1, 1, 1},
		},
		{
			name: "all engines fail",
			engines: []*mockRecognizer{
				{err: errors.New("down")},
				{err: errors.New("also down")},
			},
			expectErr: true,
			calls:     []int{1, 1},
		},
		{
			name: "no text is not an error",
			engines: []*mockRecognizer{
				{err: errors.New("down")},
				{text: ""},
			},
			calls: []int{1, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engines := make([]Recognizer, len(tt.engines))
			for i, e := range tt.engines {
				engines[i] = e
			}

			text, err := NewChain(nil, engines...).Recognize(context.Background(), []byte("img"))
			if (err != nil) != tt.expectErr {
				t.Fatalf("Expected error=%v, got %v", tt.expectErr, err)
			}
			if text != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, text)
			}
			for i, e := range tt.engines {
				if e.calls != tt.calls[i] {
					t.Errorf("Expected engine %d called %d times, got %d", i, tt.calls[i], e.calls)
				}
			}
		})
	}
}

func TestGoogleVisionRecognize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("Expected api key in query, got %s", r.URL.RawQuery)
		}

		var req googleVisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			return
		}
		if len(req.Requests) != 1 || req.Requests[0].Features[0].Type != "TEXT_DETECTION" {
			t.Errorf("Expected one TEXT_DETECTION request, got %+v", req.Requests)
		}
		if req.Requests[0].ImageContext == nil || req.Requests[0].ImageContext.LanguageHints[0] != "ko" {
			t.Errorf("Expected ko language hint")
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"responses":[{"textAnnotations":[{"description":"강남구 → 서초구\n12,000원 3.2km"},{"description":"강남구"}]}]}`))
	}))
	defer server.Close()

	client := NewGoogleVisionClient("test-key", "ko", time.Second)
	client.endpoint = server.URL

	text, err := client.Recognize(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("Failed to recognize: %v", err)
	}
	if !strings.Contains(text, "12,000원") {
		t.Errorf("Expected full page text, got %q", text)
	}
}

func TestGoogleVisionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"code":403,"message":"API key not valid"}}`))
	}))
	defer server.Close()

	client := NewGoogleVisionClient("bad", "", time.Second)
	client.endpoint = server.URL

	if _, err := client.Recognize(context.Background(), []byte("img")); err == nil {
		t.Error("Expected API error")
	}
}

func TestOpenAIRecognize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			return
		}
		if url := req.Messages[0].Content[1].ImageURL.URL; !strings.HasPrefix(url, "data:image/png;base64,") {
			t.Errorf("Expected png data URL, got %.40s", url)
		}
		w.Write([]byte("{\"choices\":[{\"message\":{\"content\":\"```text\\n  15,300원\\n\\n- 4.1km  \\n```\"}}]}"))
	}))
	defer server.Close()

	client := NewOpenAIClient("sk-test", time.Second)
	client.endpoint = server.URL

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	text, err := client.Recognize(context.Background(), png)
	if err != nil {
		t.Fatalf("Failed to recognize: %v", err)
	}
	if text != "15,300원\n4.1km" {
		t.Errorf("Expected cleaned transcription, got %q", text)
	}
}

func TestOpenAIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	client := NewOpenAIClient("bad", time.Second)
	client.endpoint = server.URL

	_, err := client.Recognize(context.Background(), []byte("img"))
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("Expected API error with status, got %v", err)
	}
}

func TestCleanTranscription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"plain", "12,000원\n3.2km", "12,000원\n3.2km"},
		{"fenced", "```\n12,000원\n강남구\n```", "12,000원\n강남구"},
		{"fenced with language", "```markdown\n12,000원\n```", "12,000원"},
		{"bullets and headings", "# 콜\n* 12,000원\n- 강남구 → 서초구", "콜\n12,000원\n강남구 → 서초구"},
		{"bold", "**12,000원** 3.2km", "12,000원 3.2km"},
		{"blank lines", "\n12,000원\n\n\n3.2km\n", "12,000원\n3.2km"},
		{"no text", "NO_TEXT", ""},
		{"negative amount kept", "-3,000원", "-3,000원"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanTranscription(tt.content); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNewRecognizer(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		expectNil bool
		expectErr bool
	}{
		{name: "none", cfg: Config{Provider: "none"}, expectNil: true},
		{name: "static", cfg: Config{Provider: "static", StaticText: "x"}},
		{name: "google without key", cfg: Config{Provider: "google"}, expectNil: true, expectErr: true},
		{name: "google", cfg: Config{Provider: "google", GoogleAPIKey: "k"}},
		{name: "openai", cfg: Config{Provider: "openai", OpenAIAPIKey: "k"}},
		{name: "chain", cfg: Config{Provider: "chain", OpenAIAPIKey: "k"}},
		{name: "unknown", cfg: Config{Provider: "magic"}, expectNil: true, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRecognizer(&tt.cfg, nil)
			if (err != nil) != tt.expectErr {
				t.Fatalf("Expected error=%v, got %v", tt.expectErr, err)
			}
			if (r == nil) != tt.expectNil {
				t.Errorf("Expected nil=%v, got %T", tt.expectNil, r)
			}
		})
	}
}
