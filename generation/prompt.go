package generation

import (
	"context"
	"strings"

	"github.com/vinayprograms/postflow/logging"
	"github.com/vinayprograms/postflow/policy"
	"github.com/vinayprograms/postflow/record"
)

// HistorySize is how many recent captions the prompt shows.
const HistorySize = 3

// NoHistory stands in for an empty history.
const NoHistory = "No previous posts yet."

const historySeparator = "\n---\n"

// BuildPrompt renders the initial prompt: persona and rules, recent captions,
// and the output instruction.
func BuildPrompt(rules *policy.Rules, history string) string {
	if rules == nil {
		rules = policy.Default()
	}
	if strings.TrimSpace(history) == "" {
		history = NoHistory
	}

	var b strings.Builder
	b.WriteString(rules.Instructions())
	b.WriteString("\nPREVIOUS CAPTIONS (avoid repeating):\n")
	b.WriteString(history)
	b.WriteString("\n\nReturn valid JSON matching the schema. Be precise with word_count and contains_price.")
	return b.String()
}

// History returns the last n Queued or Posted captions, newest first, joined
// for the prompt. Lookup is best effort: a store error yields NoHistory.
func History(ctx context.Context, store record.Store, n int, logger *logging.Logger) string {
	if n <= 0 {
		n = HistorySize
	}
	recs, err := store.List(ctx, record.Filter{
		Statuses: []record.Status{record.StatusQueued, record.StatusPosted},
		Limit:    n,
	})
	if err != nil {
		if logger != nil {
			logger.Warn("history lookup failed", map[string]interface{}{"error": err.Error()})
		}
		return NoHistory
	}

	drafts := make([]string, 0, len(recs))
	for _, r := range recs {
		if d := strings.TrimSpace(r.Draft); d != "" {
			drafts = append(drafts, d)
		}
	}
	if len(drafts) == 0 {
		return NoHistory
	}
	return strings.Join(drafts, historySeparator)
}
