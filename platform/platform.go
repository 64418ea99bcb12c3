// Package platform publishes drafts as local posts on a business listing.
package platform

import (
	"fmt"
	"strings"
	"time"

	perrors "github.com/vinayprograms/postflow/errors"
)

// DefaultBaseURL is the business profile API root.
const DefaultBaseURL = "https://mybusiness.googleapis.com/v4"

// Defaults.
const (
	DefaultTimeout       = 60 * time.Second
	DefaultVerifyTimeout = 10 * time.Second
	DefaultPostsPerMin   = 30

	// maxErrorBody bounds the response text kept on an APIError.
	maxErrorBody = 500
)

// Config locates the listing and shapes each post.
type Config struct {
	BaseURL string

	// LocationID is the resource path "accounts/X/locations/Y".
	LocationID string

	// CTAURL is the call-to-action target on every post.
	CTAURL string

	Timeout       time.Duration
	VerifyTimeout time.Duration

	// PostsPerMinute caps CreatePost calls from this process.
	PostsPerMinute int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = DefaultVerifyTimeout
	}
	if c.PostsPerMinute <= 0 {
		c.PostsPerMinute = DefaultPostsPerMin
	}
	return c
}

// ValidateConfig returns every problem with c. Empty means ready to post.
func ValidateConfig(c Config) []string {
	var problems []string
	switch {
	case c.LocationID == "":
		problems = append(problems, "platform location id is not set")
	case !strings.HasPrefix(c.LocationID, "accounts/"):
		problems = append(problems, fmt.Sprintf("platform location id must be 'accounts/X/locations/Y', got: %s", c.LocationID))
	}
	if c.CTAURL == "" {
		problems = append(problems, "platform call-to-action url is not set")
	}
	return problems
}

// APIError is a non-200 answer from the platform.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform API error (%d): %s", e.Status, e.Body)
}

// StatusCode returns the HTTP status.
func (e *APIError) StatusCode() int {
	return e.Status
}

// Retryable reports whether the status is worth another attempt.
func (e *APIError) Retryable() bool {
	return perrors.ClassifyStatus(e.Status) == perrors.Retryable
}

// LocalPost is the request body for localPosts.create.
type LocalPost struct {
	LanguageCode string       `json:"languageCode"`
	TopicType    string       `json:"topicType"`
	Summary      string       `json:"summary"`
	CallToAction CallToAction `json:"callToAction"`
	Media        []Media      `json:"media"`
}

type CallToAction struct {
	ActionType string `json:"actionType"`
	URL        string `json:"url"`
}

type Media struct {
	MediaFormat string `json:"mediaFormat"`
	SourceURL   string `json:"sourceUrl"`
}

// NewLocalPost builds a standard photo post with an order button.
func NewLocalPost(summary, imageURL, ctaURL string) LocalPost {
	return LocalPost{
		LanguageCode: "en-US",
		TopicType:    "STANDARD",
		Summary:      summary,
		CallToAction: CallToAction{ActionType: "ORDER", URL: ctaURL},
		Media:        []Media{{MediaFormat: "PHOTO", SourceURL: imageURL}},
	}
}
