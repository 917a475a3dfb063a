// Package llmclient provides the LLM Port described in spec.md §4.6:
// an external chat-completion client with its own pull-based rate
// limit latch.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// rateLimitDuration is how long a 429 response latches the client into
// a rate-limited state, mirroring OpenAIClient.rate_limit_duration.
const rateLimitDuration = 30 * time.Minute

// Status reports whether the client is currently rate-limited and, if
// so, how many seconds remain before the latch clears.
type Status struct {
	RateLimited      bool
	SecondsRemaining float64
}

// Port is the LLM Port: generate a reply and inspect rate-limit state.
type Port interface {
	Generate(ctx context.Context, prompt string) (string, error)
	Status() Status
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint,
// tracking a pull-based rate-limit expiry exactly as the original
// OpenAIClient.is_rate_limited does: the flag is only cleared the next
// time it is consulted, not by a background timer.
type HTTPClient struct {
	apiKey      string
	model       string
	apiBase     string
	maxTokens   int
	temperature float64
	httpClient  *http.Client

	mu            sync.Mutex
	rateLimitHit  bool
	rateLimitTime time.Time
}

// Config carries the settings NewHTTPClient needs.
type Config struct {
	APIKey      string
	Model       string
	APIBase     string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// NewHTTPClient builds an LLM Port backed by an HTTP chat-completions API.
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		apiBase:     cfg.APIBase,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// isRateLimited reports the current latch state, clearing it once the
// cooldown has elapsed — the same pull-based expiry as the original.
func (c *HTTPClient) isRateLimited() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rateLimitHit {
		return false
	}
	if time.Since(c.rateLimitTime) > rateLimitDuration {
		c.rateLimitHit = false
		return false
	}
	return true
}

// Status reports the client's rate-limit state and the seconds left in
// the cooldown. Like isRateLimited, it clears the latch once the
// cooldown has elapsed (pull-based expiry).
func (c *HTTPClient) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rateLimitHit {
		return Status{}
	}
	elapsed := time.Since(c.rateLimitTime)
	remaining := rateLimitDuration - elapsed
	if remaining <= 0 {
		c.rateLimitHit = false
		return Status{}
	}
	return Status{RateLimited: true, SecondsRemaining: remaining.Seconds()}
}

func (c *HTTPClient) markRateLimited() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimitHit = true
	c.rateLimitTime = time.Now()
}

// Generate asks the configured chat-completions endpoint for a reply to
// prompt. Every failure of the HTTP exchange returns a canned, user-safe
// fallback string instead of an error, mirroring get_chat_response: a
// 401 fails one way, a 429 latches the rate limiter and fails another
// way, a timeout and any other transport error each have their own
// fallback text. Only a failure to build the request (marshalling the
// body or constructing the *http.Request) is returned as an error.
func (c *HTTPClient) Generate(ctx context.Context, prompt string) (string, error) {
	if c.isRateLimited() {
		return "Sorry, still rate limited. Please try again later.", nil
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a helpful AI assistant."},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	url := c.apiBase + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			log.Printf("[LLM] request timed out: %v", err)
			return "Sorry, the request timed out. Please try again.", nil
		}
		log.Printf("[LLM] request failed: %v", err)
		return "Sorry, I'm having trouble connecting to my AI service. Please try again later.", nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		log.Printf("[LLM] authentication failed (HTTP %d)", resp.StatusCode)
		return "Sorry, I'm having trouble with my authentication. Please try again later.", nil
	case resp.StatusCode == http.StatusTooManyRequests:
		log.Printf("[LLM] rate limit exceeded (HTTP %d)", resp.StatusCode)
		c.markRateLimited()
		return "Sorry, I'm receiving too many requests right now. Please try again in 30 minutes.", nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		log.Printf("[LLM] error (HTTP %d): %s", resp.StatusCode, body)
		return "Sorry, I'm having trouble processing your request. Please try again later.", nil
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Printf("[LLM] failed to parse response: %v", err)
		return "Sorry, I received an invalid response. Please try again.", nil
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		log.Printf("[LLM] invalid response format: %+v", out)
		return "Sorry, I received an invalid response. Please try again.", nil
	}

	return out.Choices[0].Message.Content, nil
}
