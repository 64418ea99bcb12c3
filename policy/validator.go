package policy

import (
	"fmt"
	"strings"
)

// Reason strings returned by the validator.
const (
	ReasonApproved      = "APPROVED"
	ReasonEmpty         = "EMPTY_CAPTION"
	ReasonSelfReported  = "PRICE_SELF_REPORTED"
	reasonTooLong       = "TOO_LONG (%d words)"
	reasonTooShort      = "TOO_SHORT (%d words)"
	reasonPriceDetected = "PRICE_DETECTED: '%s'"
	reasonBannedWord    = "BANNED_WORD: '%s'"
)

// Candidate is one decoded generator response.
type Candidate struct {
	Caption       string `json:"caption" jsonschema:"description=A social media caption for the post. Sensory language about texture and aroma and appearance. No prices or dollar amounts or percentages."`
	WordCount     int    `json:"word_count" jsonschema:"description=The exact number of words in the caption."`
	ContainsPrice bool   `json:"contains_price" jsonschema:"description=True if the caption contains any price or dollar amount or percentage or discount language."`
}

// Verdict is the validator's decision.
type Verdict struct {
	Accepted bool
	Reason   string
}

// Validator checks candidates against a rule set. It is deterministic and
// has no side effects.
type Validator struct {
	rules *Rules
}

// NewValidator creates a validator. Nil rules mean Default().
func NewValidator(rules *Rules) *Validator {
	if rules == nil {
		rules = Default()
	}
	return &Validator{rules: rules}
}

// Rules returns the rule set in use.
func (v *Validator) Rules() *Rules {
	return v.rules
}

// Validate runs the checks in order and returns the first rejection.
// The candidate's self-reported word count is ignored.
func (v *Validator) Validate(c Candidate) Verdict {
	caption := strings.TrimSpace(c.Caption)
	if caption == "" {
		return reject(ReasonEmpty)
	}
	if c.ContainsPrice {
		return reject(ReasonSelfReported)
	}

	n := CountWords(caption)
	if n > v.rules.MaxWords {
		return reject(fmt.Sprintf(reasonTooLong, n))
	}
	if n < v.rules.MinWords {
		return reject(fmt.Sprintf(reasonTooShort, n))
	}

	lower := strings.ToLower(caption)
	if v.rules.forbidden != nil {
		if m := v.rules.forbidden.FindString(lower); m != "" {
			return reject(fmt.Sprintf(reasonPriceDetected, m))
		}
	}

	if v.rules.EnforceBannedWords {
		for _, w := range v.rules.BannedWords {
			if containsWord(lower, strings.ToLower(w)) {
				return reject(fmt.Sprintf(reasonBannedWord, w))
			}
		}
	}

	return Verdict{Accepted: true, Reason: ReasonApproved}
}

func reject(reason string) Verdict {
	return Verdict{Reason: reason}
}

// CountWords counts whitespace-separated tokens.
func CountWords(s string) int {
	return len(strings.Fields(s))
}

// containsWord matches phrase on word boundaries so "yummy" does not hit
// "yummyness" style compounds and multi-word phrases still match.
func containsWord(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	for i := 0; ; {
		j := strings.Index(text[i:], phrase)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(phrase)
		if boundary(text, start-1) && boundary(text, end) {
			return true
		}
		i = start + 1
	}
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '\'')
}
