// Package llm provides the content generator interface and its
// implementations for image-grounded caption generation.
package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Request is one generation call: a text prompt plus the image it describes.
type Request struct {
	Prompt string `json:"prompt"`

	// ImageURI is the storage URI of the image (gs://bucket/object).
	ImageURI string `json:"image_uri,omitempty"`

	// ImageURL is a fetchable URL for the same image (a signed URL).
	ImageURL string `json:"image_url,omitempty"`

	MIMEType string `json:"mime_type,omitempty"`
}

// Response is the raw generator output. Content is expected to be JSON
// matching the configured response schema but is not decoded here.
type Response struct {
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// Generator produces candidate content.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Config selects and configures a Generator.
type Config struct {
	Provider    string        `json:"provider"` // google, openai, anthropic
	Model       string        `json:"model"`
	APIKey      string        `json:"api_key"`
	BaseURL     string        `json:"base_url"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float32       `json:"temperature"`
	Retry       RetryConfig   `json:"retry"`
	Timeout     time.Duration `json:"timeout"`

	// ResponseSchema is a JSON Schema object the output must match.
	ResponseSchema map[string]interface{} `json:"-"`

	// InlineImages makes the Google generator fetch ImageURL and send the
	// bytes instead of referencing ImageURI.
	InlineImages bool `json:"inline_images"`
}

// RetryConfig holds in-call retry settings for generator requests.
type RetryConfig struct {
	MaxRetries  int           `json:"max_retries"`  // Max retry attempts (default 2)
	MaxBackoff  time.Duration `json:"max_backoff"`  // Max backoff duration (default 8s)
	InitBackoff time.Duration `json:"init_backoff"` // Initial backoff (default 1s)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api key is required")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens is required")
	}
	return nil
}

// --- Mock Generator for Testing ---

// MockGenerator is a scripted generator for tests.
type MockGenerator struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     []Request

	// GenerateFunc, when set, handles every call.
	GenerateFunc func(ctx context.Context, req Request) (*Response, error)
}

// NewMockGenerator returns a mock that replies with the given contents in
// order and repeats the last one once the script is exhausted.
func NewMockGenerator(responses ...string) *MockGenerator {
	return &MockGenerator{responses: responses}
}

// FailWith makes the next calls return errs in order before any response.
func (m *MockGenerator) FailWith(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
}

// CallCount returns the number of Generate calls.
func (m *MockGenerator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns a copy of every request received.
func (m *MockGenerator) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// LastRequest returns the most recent request, or nil.
func (m *MockGenerator) LastRequest() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	r := m.calls[len(m.calls)-1]
	return &r
}

// Generate implements Generator.
func (m *MockGenerator) Generate(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	fn := m.GenerateFunc
	if fn == nil && len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		m.mu.Unlock()
		return nil, err
	}
	var content string
	if len(m.responses) > 0 {
		content = m.responses[0]
		if len(m.responses) > 1 {
			m.responses = m.responses[1:]
		}
	}
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return &Response{Content: content, Model: "mock"}, nil
}
