package groq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const testKey = "gsk_test_key"

func newTestClient(t *testing.T, baseURL string, maxRetries int) (*Client, *[]time.Duration) {
	t.Helper()
	c, err := New(Config{
		APIKey:        testKey,
		BaseURL:       baseURL,
		Model:         "primary-model",
		FallbackModel: "fallback-model",
		Timeout:       2 * time.Second,
		MaxRetries:    maxRetries,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	sleeps := &[]time.Duration{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
	return c, sleeps
}

func completionBody(text string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q}}]}`, text)
}

func TestNewValidatesCredential(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"missing", ""},
		{"whitespace", "   "},
		{"placeholder", "your_groq_api_key_here"},
		{"wrong prefix", "sk_abc123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(Config{APIKey: tc.key})
			if err == nil {
				t.Fatalf("New() with %s key succeeded, want configuration error", tc.name)
			}
			if KindOf(err) != KindConfiguration {
				t.Fatalf("New() error kind = %q, want %q", KindOf(err), KindConfiguration)
			}
		})
	}

	if _, err := New(Config{APIKey: testKey}); err != nil {
		t.Fatalf("New() with valid key error = %v", err)
	}
}

func TestGenerateSuccessFirstAttempt(t *testing.T) {
	var calls atomic.Int64
	var gotReq completionRequest
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer "+testKey {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("wisdom"))
	}))
	defer upstream.Close()

	c, sleeps := newTestClient(t, upstream.URL, 3)
	answer, err := c.Generate(context.Background(), "what is wisdom?")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if answer.Text != "wisdom" {
		t.Fatalf("answer text = %q, want %q", answer.Text, "wisdom")
	}
	if answer.Model != "primary-model" {
		t.Fatalf("answer model = %q, want primary", answer.Model)
	}
	if answer.Elapsed < 0 {
		t.Fatalf("answer elapsed = %v, want >= 0", answer.Elapsed)
	}
	if calls.Load() != 1 {
		t.Fatalf("outbound calls = %d, want 1", calls.Load())
	}
	if len(*sleeps) != 0 {
		t.Fatalf("backoff waits = %d, want 0", len(*sleeps))
	}

	if gotReq.Model != "primary-model" {
		t.Fatalf("request model = %q, want primary", gotReq.Model)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" || gotReq.Messages[1].Role != "user" {
		t.Fatalf("request messages = %+v, want [system, user]", gotReq.Messages)
	}
	if gotReq.Messages[1].Content != "what is wisdom?" {
		t.Fatalf("user message = %q, want question", gotReq.Messages[1].Content)
	}
	if gotReq.Stream {
		t.Fatalf("request stream = true, want false")
	}
}

func TestGenerateRetriesRateLimitThenFallsBack(t *testing.T) {
	var calls atomic.Int64
	var mu sync.Mutex
	var models []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		var req completionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		models = append(models, req.Model)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limit reached"}}`)
			return
		}
		fmt.Fprint(w, completionBody("eventually"))
	}))
	defer upstream.Close()

	c, sleeps := newTestClient(t, upstream.URL, 2)
	answer, err := c.Generate(context.Background(), "q")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if calls.Load() != 2 {
		t.Fatalf("outbound calls = %d, want 2", calls.Load())
	}
	if len(*sleeps) != 1 {
		t.Fatalf("backoff waits = %d, want exactly 1", len(*sleeps))
	}
	if (*sleeps)[0] != time.Second {
		t.Fatalf("first backoff = %v, want %v", (*sleeps)[0], time.Second)
	}
	// Two attempts configured, so the second (final) attempt uses the
	// fallback model.
	if answer.Model != "fallback-model" {
		t.Fatalf("answer model = %q, want fallback", answer.Model)
	}
	mu.Lock()
	defer mu.Unlock()
	if models[0] != "primary-model" || models[1] != "fallback-model" {
		t.Fatalf("attempt models = %v, want [primary, fallback]", models)
	}
}

func TestGenerateRateLimitExhausted(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	c, sleeps := newTestClient(t, upstream.URL, 3)
	_, err := c.Generate(context.Background(), "q")
	if KindOf(err) != KindRateLimited {
		t.Fatalf("Generate() error kind = %q, want %q (err = %v)", KindOf(err), KindRateLimited, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("outbound calls = %d, want 3", calls.Load())
	}
	if len(*sleeps) != 2 {
		t.Fatalf("backoff waits = %d, want 2", len(*sleeps))
	}
}

func TestGenerateExhaustsOnPersistentServerError(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"backend exploded"}}`)
	}))
	defer upstream.Close()

	c, sleeps := newTestClient(t, upstream.URL, 3)
	_, err := c.Generate(context.Background(), "q")

	if KindOf(err) != KindUpstream {
		t.Fatalf("Generate() error kind = %q, want %q (err = %v)", KindOf(err), KindUpstream, err)
	}
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("Generate() error type = %T, want *Error", err)
	}
	if ce.Status != http.StatusInternalServerError {
		t.Fatalf("error status = %d, want 500", ce.Status)
	}
	if ce.Message != "backend exploded" {
		t.Fatalf("error message = %q, want upstream message", ce.Message)
	}
	if calls.Load() != 3 {
		t.Fatalf("outbound calls = %d, want 3", calls.Load())
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; len(*sleeps) != 2 || (*sleeps)[0] != want[0] || (*sleeps)[1] != want[1] {
		t.Fatalf("backoff waits = %v, want %v", *sleeps, want)
	}
}

func TestGenerateAuthFailureIsTerminal(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key"}}`)
	}))
	defer upstream.Close()

	c, sleeps := newTestClient(t, upstream.URL, 3)
	_, err := c.Generate(context.Background(), "q")

	if KindOf(err) != KindAuth {
		t.Fatalf("Generate() error kind = %q, want %q (err = %v)", KindOf(err), KindAuth, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("outbound calls = %d, want 1 (no retry on auth failure)", calls.Load())
	}
	if len(*sleeps) != 0 {
		t.Fatalf("backoff waits = %d, want 0", len(*sleeps))
	}
}

func TestGenerateEmptyChoicesIsTerminal(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer upstream.Close()

	c, _ := newTestClient(t, upstream.URL, 3)
	_, err := c.Generate(context.Background(), "q")

	if KindOf(err) != KindEmptyCompletion {
		t.Fatalf("Generate() error kind = %q, want %q (err = %v)", KindOf(err), KindEmptyCompletion, err)
	}
	if calls.Load() != 1 {
		t.Fatalf("outbound calls = %d, want 1 (empty completion is terminal)", calls.Load())
	}
}

func TestGenerateToleratesNonJSONErrorBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "<html>upstream proxy error</html>")
	}))
	defer upstream.Close()

	c, _ := newTestClient(t, upstream.URL, 1)
	_, err := c.Generate(context.Background(), "q")

	if KindOf(err) != KindUpstream {
		t.Fatalf("Generate() error kind = %q, want %q (err = %v)", KindOf(err), KindUpstream, err)
	}
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("Generate() error type = %T, want *Error", err)
	}
	if !strings.Contains(ce.Message, "upstream proxy error") {
		t.Fatalf("error message = %q, want raw body text", ce.Message)
	}
}

func TestGenerateTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	c, err := New(Config{
		APIKey:     testKey,
		BaseURL:    upstream.URL,
		Timeout:    50 * time.Millisecond,
		MaxRetries: 1,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.sleep = func(context.Context, time.Duration) error { return nil }

	_, err = c.Generate(context.Background(), "q")
	if KindOf(err) != KindTimeout {
		t.Fatalf("Generate() error kind = %q, want %q (err = %v)", KindOf(err), KindTimeout, err)
	}
}

func TestGenerateConnectivityFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	upstream.Close() // connection refused from here on

	c, sleeps := newTestClient(t, upstream.URL, 2)
	_, err := c.Generate(context.Background(), "q")

	if KindOf(err) != KindConnectivity {
		t.Fatalf("Generate() error kind = %q, want %q (err = %v)", KindOf(err), KindConnectivity, err)
	}
	if len(*sleeps) != 1 {
		t.Fatalf("backoff waits = %d, want 1", len(*sleeps))
	}
}

func TestGenerateSurfacesCallerCancellation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	c, _ := newTestClient(t, upstream.URL, 3)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Generate(ctx, "q")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Generate() error = %v, want context.Canceled", err)
	}
}

func TestGenerateAttemptObserver(t *testing.T) {
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, completionBody("ok"))
	}))
	defer upstream.Close()

	c, _ := newTestClient(t, upstream.URL, 3)
	var observed []string
	c.SetAttemptObserver(func(model, outcome string) {
		observed = append(observed, model+"/"+outcome)
	})

	if _, err := c.Generate(context.Background(), "q"); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	want := []string{"primary-model/upstream", "primary-model/success"}
	if len(observed) != len(want) || observed[0] != want[0] || observed[1] != want[1] {
		t.Fatalf("observed attempts = %v, want %v", observed, want)
	}
}
