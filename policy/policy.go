// Package policy defines the content rules a generated caption must obey
// and the deterministic validator that enforces them.
package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultForbiddenPattern matches pricing and promotional language. It is
// applied to the lower-cased caption.
const DefaultForbiddenPattern = `\$\s*\d+|\d+\s*%|percent\s+off|discount|sale\s+price|free\s+delivery|promo|coupon`

// DefaultBannedWords are filler words the brand voice avoids.
var DefaultBannedWords = []string{
	"delightful", "scrumptious", "yummy", "tummy", "game changer", "amazing",
}

// Rules is the content policy for one brand.
type Rules struct {
	// Brand is the business name used in the prompt persona.
	Brand string

	// BusinessType describes the business, e.g. "bakery".
	BusinessType string

	// Channel names where the post appears.
	Channel string

	MinWords int
	MaxWords int

	// BannedWords are listed in the prompt. They are only enforced by the
	// validator when EnforceBannedWords is set.
	BannedWords        []string
	EnforceBannedWords bool

	// Guidance lines are inserted into the numbered rules between the word
	// bounds and the pricing rule.
	Guidance []string

	// Tone is the closing style rule.
	Tone string

	forbidden *regexp.Regexp
}

// tomlRules is the TOML representation.
type tomlRules struct {
	Brand              string   `toml:"brand"`
	BusinessType       string   `toml:"business_type"`
	Channel            string   `toml:"channel"`
	MinWords           int      `toml:"min_words"`
	MaxWords           int      `toml:"max_words"`
	BannedWords        []string `toml:"banned_words"`
	EnforceBannedWords bool     `toml:"enforce_banned_words"`
	ForbiddenPattern   string   `toml:"forbidden_pattern"`
	Guidance           []string `toml:"guidance"`
	Tone               string   `toml:"tone"`
}

// Default returns the bakery rules.
func Default() *Rules {
	return &Rules{
		Brand:        "My Baking Creations",
		BusinessType: "bakery",
		Channel:      "Google Business Profile",
		MinWords:     5,
		MaxWords:     40,
		BannedWords:  append([]string(nil), DefaultBannedWords...),
		Guidance: []string{
			"Describe what you SEE: texture, color, layers, glaze, crumb structure",
			"Evoke what the customer will SMELL and TASTE",
		},
		Tone:      "Confident, direct tone. You're a craftsperson, not a marketer",
		forbidden: regexp.MustCompile(DefaultForbiddenPattern),
	}
}

// LoadFile loads rules from a TOML file. Missing keys keep their defaults.
func LoadFile(path string) (*Rules, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(content))
}

// Parse parses rules from TOML content.
func Parse(content string) (*Rules, error) {
	var raw tomlRules
	if _, err := toml.Decode(content, &raw); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	r := Default()
	if raw.Brand != "" {
		r.Brand = raw.Brand
	}
	if raw.BusinessType != "" {
		r.BusinessType = raw.BusinessType
	}
	if raw.Channel != "" {
		r.Channel = raw.Channel
	}
	if raw.MinWords > 0 {
		r.MinWords = raw.MinWords
	}
	if raw.MaxWords > 0 {
		r.MaxWords = raw.MaxWords
	}
	if raw.BannedWords != nil {
		r.BannedWords = raw.BannedWords
	}
	r.EnforceBannedWords = raw.EnforceBannedWords
	if raw.Guidance != nil {
		r.Guidance = raw.Guidance
	}
	if raw.Tone != "" {
		r.Tone = raw.Tone
	}
	if raw.ForbiddenPattern != "" {
		re, err := regexp.Compile(raw.ForbiddenPattern)
		if err != nil {
			return nil, fmt.Errorf("forbidden_pattern: %w", err)
		}
		r.forbidden = re
	}

	if r.MinWords > r.MaxWords {
		return nil, fmt.Errorf("min_words (%d) exceeds max_words (%d)", r.MinWords, r.MaxWords)
	}
	return r, nil
}

// Instructions renders the persona and numbered rules for the prompt.
func (r *Rules) Instructions() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the social media manager for '%s', a %s.\n", r.Brand, r.BusinessType)
	fmt.Fprintf(&b, "Write a %s update for the attached product photo.\n\n", r.Channel)
	b.WriteString("RULES - follow these exactly:\n")

	rules := []string{fmt.Sprintf("Under %d words, minimum %d words", r.MaxWords, r.MinWords)}
	rules = append(rules, r.Guidance...)
	rules = append(rules, "No prices, dollar amounts, percentages, or discount language")
	if len(r.BannedWords) > 0 {
		rules = append(rules, "No words: "+strings.Join(r.BannedWords, ", "))
	}
	if r.Tone != "" {
		rules = append(rules, r.Tone)
	}
	rules = append(rules, "Do NOT repeat or closely paraphrase previous captions")

	for i, rule := range rules {
		fmt.Fprintf(&b, "%d. %s\n", i+1, rule)
	}
	return b.String()
}
