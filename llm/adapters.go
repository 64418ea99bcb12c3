package llm

import (
	"fmt"
	"strings"
)

// Generation defaults.
const (
	DefaultTemperature = 0.8
	DefaultMaxTokens   = 256
)

// NewGenerator creates a generator based on the configuration.
// If Provider is empty, it is inferred from the model name.
func NewGenerator(cfg Config) (Generator, error) {
	if cfg.Provider == "" && cfg.Model != "" {
		cfg.Provider = InferProviderFromModel(cfg.Model)
		if cfg.Provider == "" {
			return nil, fmt.Errorf("cannot determine provider for model %q; set provider explicitly", cfg.Model)
		}
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Provider {
	case "google":
		return NewGoogleGenerator(cfg)
	case "openai":
		return NewOpenAIGenerator(cfg)
	case "anthropic":
		return NewAnthropicGenerator(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// modelPrefixes maps model name prefixes to providers.
var modelPrefixes = []struct{ prefix, provider string }{
	{"gemini", "google"},
	{"claude", "anthropic"},
	{"gpt-", "openai"},
	{"chatgpt", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
}

// InferProviderFromModel guesses the provider from a model name, or
// returns "".
func InferProviderFromModel(model string) string {
	model = strings.ToLower(model)
	for _, p := range modelPrefixes {
		if strings.HasPrefix(model, p.prefix) {
			return p.provider
		}
	}
	return ""
}

// Provider SDKs report failures as text, so retry decisions match on it.
var (
	retryableMarkers = []string{
		"rate limit", "too many requests", "429", "resource_exhausted", "overloaded",
		"500", "502", "503", "504", "internal server error", "bad gateway",
		"service unavailable", "gateway timeout", "temporarily unavailable",
	}
	billingMarkers = []string{"billing", "payment", "credits", "quota exceeded", "402"}
)

func errorMentions(err error, markers []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// isRetryableError reports rate limiting and transient server failures.
func isRetryableError(err error) bool { return errorMentions(err, retryableMarkers) }

// isBillingError reports exhausted credit or quota, which retrying cannot fix.
func isBillingError(err error) bool { return errorMentions(err, billingMarkers) }
