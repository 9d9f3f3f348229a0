package openai_provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zianansar/proposal-writer-sub006/config"
	"github.com/zianansar/proposal-writer-sub006/internal/pipeline"
	"github.com/zianansar/proposal-writer-sub006/internal/promptbuild"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client implements streaming chat completion against an OpenAI-compatible
// API. Retry policy lives in the pipeline, not here: one call is one attempt.
type Client struct {
	apiKey          string
	baseURL         string
	model           string
	temperature     float64
	maxTokens       int
	costPer1KInput  float64
	costPer1KOutput float64
	httpClient      *http.Client
}

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Temperature   float64        `json:"temperature"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewClient creates a streaming client for an OpenAI-compatible endpoint.
func NewClient(cfg config.LLMConfig) *Client {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		apiKey:          cfg.APIKey,
		baseURL:         baseURL,
		model:           cfg.Model,
		temperature:     cfg.Temperature,
		maxTokens:       cfg.MaxTokens,
		costPer1KInput:  cfg.CostPer1K,
		costPer1KOutput: cfg.CostPer1KOutput,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

// Stream sends a chat completion request with streaming enabled and invokes
// onDelta for each content fragment as it arrives.
func (c *Client) Stream(ctx context.Context, p promptbuild.Prompt, onDelta func(string)) (pipeline.Usage, error) {
	req := chatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Temperature:   c.temperature,
		MaxTokens:     c.maxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return pipeline.Usage{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return pipeline.Usage{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.Usage{}, ctx.Err()
		}
		return pipeline.Usage{}, pipeline.ErrTransient{Stage: pipeline.StageGenerate, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return pipeline.Usage{}, c.statusError(resp)
	}

	var content strings.Builder
	var usage pipeline.Usage
	sawUsage := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			content.WriteString(chunk.Choices[0].Delta.Content)
			onDelta(chunk.Choices[0].Delta.Content)
		}
		if chunk.Usage != nil {
			usage.PromptTokens = chunk.Usage.PromptTokens
			usage.CompletionTokens = chunk.Usage.CompletionTokens
			sawUsage = true
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return usageWithCost(c, usage), ctx.Err()
		}
		return pipeline.Usage{}, pipeline.ErrTransient{Stage: pipeline.StageGenerate, Cause: err}
	}

	if !sawUsage {
		// Some OpenAI-compatible servers omit usage; estimate from text.
		usage.PromptTokens = int64(p.EstimatedTokens)
		usage.CompletionTokens = int64(promptbuild.EstimateTokens(content.String()))
	}
	return usageWithCost(c, usage), nil
}

func usageWithCost(c *Client, u pipeline.Usage) pipeline.Usage {
	u.Cost = float64(u.PromptTokens)/1000.0*c.costPer1KInput +
		float64(u.CompletionTokens)/1000.0*c.costPer1KOutput
	return u
}

func (c *Client) statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(b)
	var errResp errorResponse
	if err := json.Unmarshal(b, &errResp); err == nil && errResp.Error.Message != "" {
		msg = errResp.Error.Message
	}
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return pipeline.ErrTransient{Stage: pipeline.StageGenerate, Cause: cause}
	}
	return pipeline.ErrValidation{Field: "generate", Reason: cause.Error()}
}
