// Package engine is the completion-engine boundary: it turns a composed
// batch of customer text into a reply. The engine owns its own session
// and tool-call state; this package only shapes the request and reply.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bookline/concierge/internal/config"
)

// Engine produces one reply for one composed batch.
type Engine interface {
	GetReply(ctx context.Context, customerID, batch, reconcilePrefix string) (string, error)
}

// HTTPEngine calls an OpenAI-compatible responses endpoint.
type HTTPEngine struct {
	baseURL      string
	apiKey       string
	model        string
	client       *http.Client
	instructions *Instructions
}

// NewHTTPEngine creates the engine client. instructions may be nil.
func NewHTTPEngine(cfg config.EngineConfig, instructions *Instructions) *HTTPEngine {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPEngine{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		client:       &http.Client{Timeout: timeout},
		instructions: instructions,
	}
}

func (e *HTTPEngine) GetReply(ctx context.Context, customerID, batch, reconcilePrefix string) (string, error) {
	input := batch
	if reconcilePrefix != "" {
		input = reconcilePrefix + "\n" + batch
	}

	reqBody := map[string]any{
		"model": e.model,
		"input": input,
		"user":  customerID,
	}
	if e.instructions != nil {
		if sys := e.instructions.Current(); sys != "" {
			reqBody["instructions"] = sys
		}
	}

	b, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/responses", bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("engine request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("engine status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Output []struct {
			Type    string `json:"type"`
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode engine reply: %w", err)
	}

	var sb strings.Builder
	for _, item := range parsed.Output {
		if item.Type != "message" || item.Role != "assistant" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" && strings.TrimSpace(c.Text) != "" {
				if sb.Len() > 0 {
					sb.WriteString("\n")
				}
				sb.WriteString(c.Text)
			}
		}
	}

	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("engine returned no output text")
	}
	return out, nil
}
