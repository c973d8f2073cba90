package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PushFunc delivers a tap command to the device. It returns false when the
// command could not be queued.
type PushFunc func(ctx context.Context, x, y int) (bool, error)

// PushChannel sends the tap back over the session's own connection. The
// device performs it; queueing the command counts as success.
type PushChannel struct {
	name string
	push PushFunc
}

func NewPushChannel(name string, push PushFunc) *PushChannel {
	return &PushChannel{name: name, push: push}
}

func (p *PushChannel) Name() string { return p.name }

func (p *PushChannel) TryExecute(ctx context.Context, x, y int) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.push(ctx, x, y)
}

// HTTPChannel posts the tap to an agent running on or next to the device
// (an accessibility service, an adb bridge). Any 2xx counts as executed.
type HTTPChannel struct {
	name       string
	url        string
	httpClient *http.Client
}

func NewHTTPChannel(name, url string) *HTTPChannel {
	return &HTTPChannel{
		name: name,
		url:  url,
		httpClient: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

func (h *HTTPChannel) Name() string { return h.name }

type tapRequest struct {
	X         int   `json:"x"`
	Y         int   `json:"y"`
	Timestamp int64 `json:"timestamp"`
}

func (h *HTTPChannel) TryExecute(ctx context.Context, x, y int) (bool, error) {
	body, err := json.Marshal(tapRequest{X: x, Y: y, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return false, fmt.Errorf("failed to marshal tap: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", h.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to reach agent: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	return true, nil
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc struct {
	ChannelName string
	Fn          func(ctx context.Context, x, y int) (bool, error)
}

func (f ChannelFunc) Name() string { return f.ChannelName }

func (f ChannelFunc) TryExecute(ctx context.Context, x, y int) (bool, error) {
	return f.Fn(ctx, x, y)
}
