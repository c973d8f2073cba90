package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	openAIAPIURL = "https://api.openai.com/v1/chat/completions"
	openAIModel  = "gpt-4o"
)

// noTextMarker is what the model is told to answer for a screen without text.
const noTextMarker = "NO_TEXT"

const transcribePrompt = "Transcribe every piece of text visible in this phone screenshot exactly as written. " +
	"Keep numbers, currency symbols and units unchanged. Output only the text, one line per line on screen, " +
	"without markdown. If there is no readable text, answer " + noTextMarker + "."

var (
	fenceLine   = regexp.MustCompile("^```[A-Za-z]*$")
	bulletLine  = regexp.MustCompile(`^(?:[-*•]|#{1,6})\s+`)
	emphasisRun = regexp.MustCompile(`\*\*|__`)
)

type OpenAIClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

func NewOpenAIClient(apiKey string, timeout time.Duration) *OpenAIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		apiKey:   apiKey,
		endpoint: openAIAPIURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIMessage struct {
	Role    string              `json:"role"`
	Content []openAIContentPart `json:"content"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Recognize asks the vision model for a verbatim transcription of the screen.
func (c *OpenAIClient) Recognize(ctx context.Context, imageData []byte) (string, error) {
	imageBase64 := base64.StdEncoding.EncodeToString(imageData)
	mimeType := http.DetectContentType(imageData)
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/png"
	}

	reqBody := openAIRequest{
		Model:     openAIModel,
		MaxTokens: 500,
		Messages: []openAIMessage{
			{
				Role: "user",
				Content: []openAIContentPart{
					{Type: "text", Text: transcribePrompt},
					{
						Type: "image_url",
						ImageURL: &openAIImageURL{
							URL: fmt.Sprintf("data:%s;base64,%s", mimeType, imageBase64),
						},
					},
				},
			},
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(body, &openAIResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("OpenAI API error (status %d)", resp.StatusCode)
		}
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if openAIResp.Error != nil {
		return "", fmt.Errorf("OpenAI API error (status %d): %s", resp.StatusCode, openAIResp.Error.Message)
	}

	if len(openAIResp.Choices) == 0 {
		return "", fmt.Errorf("no response from OpenAI")
	}

	return cleanTranscription(openAIResp.Choices[0].Message.Content), nil
}

// cleanTranscription strips the markdown a chat model wraps around a
// transcription: code fences, list bullets, headings and bold markers. Blank
// lines are dropped so the parser sees one line per line on screen.
func cleanTranscription(content string) string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || fenceLine.MatchString(line) {
			continue
		}
		line = bulletLine.ReplaceAllString(line, "")
		line = strings.TrimSpace(emphasisRun.ReplaceAllString(line, ""))
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 1 && lines[0] == noTextMarker {
		return ""
	}
	return strings.Join(lines, "\n")
}
