package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const googleVisionAPIURL = "https://vision.googleapis.com/v1/images:annotate"

type GoogleVisionClient struct {
	apiKey     string
	endpoint   string
	language   string
	httpClient *http.Client
}

func NewGoogleVisionClient(apiKey, language string, timeout time.Duration) *GoogleVisionClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GoogleVisionClient{
		apiKey:   apiKey,
		endpoint: googleVisionAPIURL,
		language: language,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type googleVisionRequest struct {
	Requests []imageRequest `json:"requests"`
}

type imageRequest struct {
	Image        imageContent  `json:"image"`
	Features     []featureType `json:"features"`
	ImageContext *imageContext `json:"imageContext,omitempty"`
}

type imageContent struct {
	Content string `json:"content"`
}

type featureType struct {
	Type       string `json:"type"`
	MaxResults int    `json:"maxResults,omitempty"`
}

type imageContext struct {
	LanguageHints []string `json:"languageHints,omitempty"`
}

type googleVisionResponse struct {
	Responses []annotateResponse `json:"responses"`
	Error     *googleError       `json:"error"`
}

type googleError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type annotateResponse struct {
	TextAnnotations    []textAnnotation    `json:"textAnnotations"`
	FullTextAnnotation *fullTextAnnotation `json:"fullTextAnnotation"`
	Error              *googleError        `json:"error"`
}

type textAnnotation struct {
	Description string `json:"description"`
	Locale      string `json:"locale"`
}

type fullTextAnnotation struct {
	Text string `json:"text"`
}

// Recognize sends the image to TEXT_DETECTION and returns the full block of
// recognized text. The first text annotation holds the whole page; the rest
// are individual words.
func (c *GoogleVisionClient) Recognize(ctx context.Context, imageData []byte) (string, error) {
	req := imageRequest{
		Image:    imageContent{Content: base64.StdEncoding.EncodeToString(imageData)},
		Features: []featureType{{Type: "TEXT_DETECTION"}},
	}
	if c.language != "" {
		req.ImageContext = &imageContext{LanguageHints: []string{c.language}}
	}

	jsonData, err := json.Marshal(googleVisionRequest{Requests: []imageRequest{req}})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s?key=%s", c.endpoint, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var visionResp googleVisionResponse
	if err := json.Unmarshal(body, &visionResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if visionResp.Error != nil {
		return "", fmt.Errorf("Google Vision API error: %s", visionResp.Error.Message)
	}
	if len(visionResp.Responses) == 0 {
		return "", fmt.Errorf("no response from Google Vision API")
	}

	response := visionResp.Responses[0]
	if response.Error != nil {
		return "", fmt.Errorf("Google Vision API error: %s", response.Error.Message)
	}

	if response.FullTextAnnotation != nil && response.FullTextAnnotation.Text != "" {
		return strings.TrimSpace(response.FullTextAnnotation.Text), nil
	}
	if len(response.TextAnnotations) > 0 {
		return strings.TrimSpace(response.TextAnnotations[0].Description), nil
	}
	return "", nil
}
