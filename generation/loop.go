// Package generation runs the bounded generate, validate and critique loop
// that turns an image into an approved caption.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/postflow/llm"
	"github.com/vinayprograms/postflow/logging"
	"github.com/vinayprograms/postflow/policy"
	"github.com/vinayprograms/postflow/telemetry"
)

// Defaults.
const (
	DefaultRounds       = 3
	DefaultRoundTimeout = 60 * time.Second
)

// ReasonValidationExhausted is the failure reason recorded when every round
// was rejected.
const ReasonValidationExhausted = "validation exhausted"

const (
	decodeCritique = "\n\nCRITIC: Your last response was not valid JSON. You MUST return a JSON object with caption, word_count, and contains_price fields. Try again."
	rejectCritique = "\n\nCRITIC: Your draft was rejected. Reason: %s. The rejected draft was: \"%s\" Fix the issue and generate a new caption."
)

// Round verdicts that are not validator reasons.
const (
	verdictDecodeError    = "DECODE_ERROR"
	verdictGeneratorError = "GENERATOR_ERROR"
)

// Request describes one image to caption.
type Request struct {
	RecordID string
	ImageURI string
	ImageURL string
	MIMEType string

	// History is the rendered list of recent captions. Empty means none.
	History string
}

// Draft is an approved caption.
type Draft struct {
	Caption string
	Rounds  int
}

// Loop drives a Generator against a Validator.
type Loop struct {
	gen          llm.Generator
	validator    *policy.Validator
	rounds       int
	roundTimeout time.Duration
	logger       *logging.Logger
	metrics      *telemetry.Metrics
}

// Option configures a Loop.
type Option func(*Loop)

// WithRounds sets the round bound.
func WithRounds(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.rounds = n
		}
	}
}

// WithRoundTimeout bounds each generator call.
func WithRoundTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.roundTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records round verdicts.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// NewLoop creates a generation loop.
func NewLoop(gen llm.Generator, validator *policy.Validator, opts ...Option) *Loop {
	l := &Loop{
		gen:          gen,
		validator:    validator,
		rounds:       DefaultRounds,
		roundTimeout: DefaultRoundTimeout,
		logger:       logging.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Rounds returns the round bound.
func (l *Loop) Rounds() int {
	return l.rounds
}

// Generate runs up to Rounds generator calls and returns the first approved
// draft. It returns (nil, nil) when every round fails; the error return is
// reserved for cancellation of ctx.
func (l *Loop) Generate(ctx context.Context, req Request) (*Draft, error) {
	prompt := BuildPrompt(l.validator.Rules(), req.History)

	for round := 1; round <= l.rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		content, err := l.call(ctx, prompt, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.logger.Warn("generator call failed", map[string]interface{}{
				"id":    req.RecordID,
				"round": round,
				"error": err.Error(),
			})
			l.record(req.RecordID, round, verdictGeneratorError)
			continue
		}

		cand, err := decodeCandidate(content)
		if err != nil {
			l.record(req.RecordID, round, verdictDecodeError)
			prompt += decodeCritique
			continue
		}

		verdict := l.validator.Validate(cand)
		l.record(req.RecordID, round, verdict.Reason)
		if verdict.Accepted {
			l.metrics.RoundsUsed(round)
			return &Draft{Caption: strings.TrimSpace(cand.Caption), Rounds: round}, nil
		}
		prompt += fmt.Sprintf(rejectCritique, verdict.Reason, cand.Caption)
	}

	l.metrics.RoundsUsed(l.rounds)
	l.logger.Warn("generation exhausted", map[string]interface{}{
		"id":     req.RecordID,
		"rounds": l.rounds,
	})
	return nil, nil
}

func (l *Loop) call(ctx context.Context, prompt string, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.roundTimeout)
	defer cancel()

	resp, err := l.gen.Generate(ctx, llm.Request{
		Prompt:   prompt,
		ImageURI: req.ImageURI,
		ImageURL: req.ImageURL,
		MIMEType: req.MIMEType,
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", fmt.Errorf("generator returned no response")
	}
	return resp.Content, nil
}

func (l *Loop) record(id string, round int, verdict string) {
	l.logger.Round(id, round, verdict)
	l.metrics.Round(verdictLabel(verdict))
}

// verdictLabel strips per-draft detail so metric labels stay bounded.
func verdictLabel(verdict string) string {
	if i := strings.IndexAny(verdict, " :"); i > 0 {
		return verdict[:i]
	}
	return verdict
}

// decodeCandidate parses a generator reply. Markdown code fences around the
// JSON object are tolerated.
func decodeCandidate(content string) (policy.Candidate, error) {
	var cand policy.Candidate
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return cand, fmt.Errorf("empty response")
	}
	if err := json.Unmarshal([]byte(s), &cand); err != nil {
		return cand, err
	}
	return cand, nil
}
