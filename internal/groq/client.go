package groq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tmwangi/ulemsee/internal/reliability"
)

const (
	defaultBaseURL       = "https://api.groq.com/openai/v1"
	defaultModel         = "llama3-70b-8192"
	defaultFallbackModel = "llama3-8b-8192"
	defaultTimeout       = 30 * time.Second
	defaultMaxRetries    = 3

	defaultSystemPrompt = "You are Ule Msee, an AI assistant whose name means 'wisdom' in Swahili. " +
		"You provide accurate, thoughtful, and well-researched answers. Format your responses " +
		"using markdown when appropriate for better readability. Be concise but comprehensive, " +
		"and always strive to be helpful and informative."

	keyPrefix      = "gsk_"
	keyPlaceholder = "your_groq_api_key_here"

	// Backoff base of 1s makes the waits 2s, 4s, ... for attempts 1, 2, ...
	backoffBase = time.Second
	backoffCap  = 30 * time.Second

	maxErrorBody = 4 << 10
)

// Config fixes the completion client behavior at construction time.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	FallbackModel string
	Timeout       time.Duration // per attempt
	MaxRetries    int
	SystemPrompt  string
	Temperature   float64
	MaxTokens     int
	TopP          float64
}

// Answer is a successful completion: the generated text, the model that
// actually produced it, and wall-clock time since Generate was called.
type Answer struct {
	Text    string
	Model   string
	Elapsed time.Duration
}

// Client calls the Groq chat-completions endpoint, masking upstream
// instability behind a bounded retry policy: the primary model is used for
// every attempt except the last, which uses the fallback model.
type Client struct {
	cfg        Config
	httpClient *http.Client

	// sleep is swapped in tests so backoff is observed without waiting.
	sleep     func(ctx context.Context, d time.Duration) error
	onAttempt func(model, outcome string)
}

// New validates the credential and returns a ready client. A missing,
// placeholder, or malformed key fails here rather than on first use.
func New(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" || key == keyPlaceholder {
		return nil, &Error{Kind: KindConfiguration, Message: "GROQ_API_KEY is not set or is using the placeholder value"}
	}
	if !strings.HasPrefix(key, keyPrefix) {
		return nil, &Error{Kind: KindConfiguration, Message: fmt.Sprintf("invalid GROQ_API_KEY format (should start with %q)", keyPrefix)}
	}
	cfg.APIKey = key

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = defaultFallbackModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1500
	}
	if cfg.TopP == 0 {
		cfg.TopP = 0.9
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		sleep:      sleepContext,
	}, nil
}

// SetAttemptObserver registers a hook invoked once per outbound attempt with
// the model used and the attempt outcome ("success" or a failure kind).
func (c *Client) SetAttemptObserver(fn func(model, outcome string)) {
	c.onAttempt = fn
}

// Generate converts a validated question into a generated answer. The caller
// is responsible for trimming and length-bounding the question.
func (c *Client) Generate(ctx context.Context, question string) (Answer, error) {
	start := time.Now()

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		model := c.cfg.Model
		if c.cfg.MaxRetries > 1 && attempt == c.cfg.MaxRetries-1 {
			model = c.cfg.FallbackModel
		}

		text, err := c.attempt(ctx, model, question)
		if err == nil {
			c.observe(model, "success")
			return Answer{Text: text, Model: model, Elapsed: time.Since(start)}, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// The inbound request was abandoned; surface that unchanged.
			return Answer{}, ctxErr
		}

		var ce *Error
		if !errors.As(err, &ce) {
			ce = &Error{Kind: KindConnectivity, Message: "completion attempt failed", Err: err}
		}
		c.observe(model, string(ce.Kind))

		final := attempt == c.cfg.MaxRetries-1
		switch ce.Kind {
		case KindAuth, KindEmptyCompletion:
			return Answer{}, ce
		case KindTimeout:
			if final {
				return Answer{}, ce
			}
			// Retry immediately; the attempt already consumed its deadline.
		case KindRateLimited, KindUpstream, KindConnectivity:
			if final {
				return Answer{}, ce
			}
			if err := c.sleep(ctx, reliability.ExponentialBackoff(attempt, backoffBase, backoffCap)); err != nil {
				return Answer{}, err
			}
		default:
			return Answer{}, ce
		}
	}

	return Answer{}, &Error{Kind: KindExhausted, Message: "temporarily unavailable after multiple attempts"}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	TopP        float64       `json:"top_p"`
	Stream      bool          `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) attempt(ctx context.Context, model, question string) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	payload, err := json.Marshal(completionRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: c.cfg.SystemPrompt},
			{Role: "user", Content: question},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		TopP:        c.cfg.TopP,
		Stream:      false,
	})
	if err != nil {
		return "", &Error{Kind: KindUpstream, Message: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Kind: KindUpstream, Message: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", &Error{Kind: KindTimeout, Message: "completion attempt deadline exceeded", Err: err}
		}
		return "", &Error{Kind: KindConnectivity, Message: "send request", Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", classifyStatus(res.StatusCode, res.Body)
	}

	var parsed completionResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", &Error{Kind: KindUpstream, Status: res.StatusCode, Message: "decode response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return "", &Error{Kind: KindEmptyCompletion, Status: res.StatusCode, Message: "completion contained no choices"}
	}
	return parsed.Choices[0].Message.Content, nil
}

func classifyStatus(status int, body io.Reader) *Error {
	msg := upstreamMessage(body)
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: status, Message: msg}
	case !reliability.IsRetryableHTTPStatus(status):
		return &Error{Kind: KindAuth, Status: status, Message: msg}
	default:
		return &Error{Kind: KindUpstream, Status: status, Message: msg}
	}
}

// upstreamMessage extracts error.message from a JSON error body, tolerating
// non-JSON bodies by returning the (truncated) raw text.
func upstreamMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))

	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}

	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "unknown error"
	}
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

func (c *Client) observe(model, outcome string) {
	if c.onAttempt != nil {
		c.onAttempt(model, outcome)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
