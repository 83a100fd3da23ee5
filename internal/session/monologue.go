package session

import (
	"regexp"
	"strings"
)

var (
	monologueRe  = regexp.MustCompile(`(?s)\*\*.*?\*\*`)
	whitespaceRe = regexp.MustCompile(`[ \t]{2,}`)
)

// StripMonologue removes internal-monologue segments delimited by "**" pairs
// from model text. An unpaired marker is left in place.
func StripMonologue(text string) string {
	if !strings.Contains(text, "**") {
		return text
	}
	out := monologueRe.ReplaceAllString(text, "")
	out = whitespaceRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}
