// Package analysis talks to the external AI services over HTTP: the
// per-message analyzer and the end-of-debate scorer. Both are treated as
// black boxes; this package only shapes requests and decodes responses.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/manpreetbhatti/arena/internal/protocol"
	"github.com/manpreetbhatti/arena/internal/room"
)

const (
	analyzeMessagePath = "/analyze-message"
	analyzeDebatePath  = "/analyze"

	// Caps response bodies read from the collaborators.
	maxResponseSize = 4 * 1024 * 1024
)

// MessageRequest is the body of POST /analyze-message.
type MessageRequest struct {
	Message string `json:"message"`
	Context string `json:"context"`
	Topic   string `json:"topic"`
	UserID  string `json:"userId"`
}

// MessageAnalysis is the analyzer's response for one message.
type MessageAnalysis struct {
	UserID     string                 `json:"user_id,omitempty"`
	Context    string                 `json:"context"`
	Analysis   []protocol.AspectScore `json:"analysis"`
	Facts      protocol.FactCheck     `json:"facts"`
	TotalScore float64                `json:"total_score"`
}

// ScoreRequest is the body of POST /analyze.
type ScoreRequest struct {
	Transcription []room.TranscriptLine `json:"transcription"`
	Topic         string                `json:"topic"`
}

// StatusError is returned when a collaborator answers with a non-2xx status.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Client calls the analysis and scoring services.
type Client struct {
	analysisURL     string
	scoringURL      string
	analysisTimeout time.Duration
	httpClient      *http.Client
}

// NewClient creates a client for the two base URLs. analysisTimeout bounds
// each message analysis; scoring is bounded only by the caller's context.
func NewClient(analysisURL, scoringURL string, analysisTimeout time.Duration) *Client {
	return &Client{
		analysisURL:     strings.TrimSuffix(analysisURL, "/"),
		scoringURL:      strings.TrimSuffix(scoringURL, "/"),
		analysisTimeout: analysisTimeout,
		httpClient:      &http.Client{},
	}
}

// AnalyzeMessage requests analysis of a single debate message.
func (c *Client) AnalyzeMessage(ctx context.Context, req MessageRequest) (*MessageAnalysis, error) {
	if c.analysisTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.analysisTimeout)
		defer cancel()
	}

	var out MessageAnalysis
	if err := c.post(ctx, c.analysisURL+analyzeMessagePath, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ScoreDebate requests the final aggregate for a finished debate. The
// response is returned as an opaque object so unknown fields survive.
// ctx carries the scoring deadline.
func (c *Client) ScoreDebate(ctx context.Context, req ScoreRequest) (map[string]any, error) {
	if req.Transcription == nil {
		req.Transcription = []room.TranscriptLine{}
	}
	var out map[string]any
	if err := c.post(ctx, c.scoringURL+analyzeDebatePath, req, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%s: empty response", analyzeDebatePath)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read %s: %w", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Endpoint: url, StatusCode: resp.StatusCode, Body: truncate(string(data), 200)}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
