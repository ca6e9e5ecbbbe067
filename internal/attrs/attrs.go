// Package attrs derives attribute rows from indexed message headers.
package attrs

import (
	"regexp"
	"strings"
	"time"

	"github.com/nhle/mailindex/internal/mailstore"
	"github.com/nhle/mailindex/internal/model"
)

// issueKeyPattern matches tracker issue keys (e.g., PROJ-123, ABC-1).
var issueKeyPattern = regexp.MustCompile(`\b([A-Z][A-Z0-9]+-\d+)\b`)

// replyPrefixPattern matches one leading reply/forward marker or list tag.
var replyPrefixPattern = regexp.MustCompile(`(?i)^\s*(re|fwd?|aw|sv|wg)(\[\d+\])?\s*:\s*|^\s*\[[^\]]*\]\s*`)

// ExtractIssueKeys extracts all issue key matches from text.
// Returns a deduplicated list preserving the order of first occurrence.
func ExtractIssueKeys(text string) []string {
	matches := issueKeyPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var result []string
	for _, m := range matches {
		if seen[m] {
			continue
		}
		seen[m] = true
		result = append(result, m)
	}
	return result
}

// NormalizeSubject strips reply and forward prefixes and mailing-list tags
// and lowercases the rest, so that replies share their parent's subject.
func NormalizeSubject(subject string) string {
	s := subject
	for {
		stripped := replyPrefixPattern.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Extract returns the attributes of header for the index row messageID.
// Empty values are skipped.
func Extract(header mailstore.Header, messageID string) []model.Attribute {
	var out []model.Attribute
	add := func(name, value string) {
		if value == "" {
			return
		}
		out = append(out, model.Attribute{MessageID: messageID, Name: name, Value: value})
	}

	add(model.AttrAuthor, strings.TrimSpace(header.Author()))
	if d := header.Date(); !d.IsZero() {
		add(model.AttrDate, d.UTC().Format(time.RFC3339))
	}
	add(model.AttrNormalizedSubject, NormalizeSubject(header.Subject()))
	for _, key := range ExtractIssueKeys(header.Subject() + " " + header.Snippet()) {
		add(model.AttrIssueKey, key)
	}

	return out
}
