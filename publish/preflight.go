package publish

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/postflow/platform"
)

// Check results.
const (
	Pass    = "PASS"
	Present = "PRESENT"
	Missing = "MISSING"
	Skipped = "SKIPPED (no creds)"
)

// Poster is the publishing platform as the worker sees it.
type Poster interface {
	CreatePost(ctx context.Context, summary, imageURL string) (string, error)
	VerifyLocation(ctx context.Context) (string, error)
	Token() (*oauth2.Token, error)
	Config() platform.Config
}

// Check is one preflight result.
type Check struct {
	Name   string `json:"name"`
	Result string `json:"result"`
}

// Report is the outcome of Preflight.
type Report struct {
	RecordID     string  `json:"record_id,omitempty"`
	DraftPreview string  `json:"draft_preview,omitempty"`
	Checks       []Check `json:"checks"`
	WouldPost    bool    `json:"would_post"`
}

// Result returns the result of the named check.
func (r Report) Result(name string) string {
	for _, c := range r.Checks {
		if c.Name == name {
			return c.Result
		}
	}
	return ""
}

// Preflight checks configuration, credentials, location access and the
// image reference without creating a post. Configuration and credential
// checks run concurrently.
func Preflight(ctx context.Context, p Poster, imageURL string) Report {
	checks := []Check{
		{Name: "config"},
		{Name: "oauth"},
		{Name: "location_access"},
		{Name: "image_url"},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if problems := platform.ValidateConfig(p.Config()); len(problems) > 0 {
			checks[0].Result = "FAIL: " + strings.Join(problems, "; ")
		} else {
			checks[0].Result = Pass
		}
		return nil
	})
	g.Go(func() error {
		if _, err := p.Token(); err != nil {
			checks[1].Result = fmt.Sprintf("FAIL: %v", err)
			checks[2].Result = Skipped
			return nil
		}
		checks[1].Result = Pass
		if _, err := p.VerifyLocation(gctx); err != nil {
			checks[2].Result = fmt.Sprintf("FAIL: %v", err)
		} else {
			checks[2].Result = Pass
		}
		return nil
	})
	_ = g.Wait()

	if imageURL != "" {
		checks[3].Result = Present
	} else {
		checks[3].Result = Missing
	}

	report := Report{Checks: checks, WouldPost: true}
	for _, c := range checks {
		if c.Result != Pass && c.Result != Present {
			report.WouldPost = false
		}
	}
	return report
}
