package internal

import (
	"regexp"
	"strings"
)

var (
	newlineRunRe = regexp.MustCompile(`\n{2,}`)
	spaceRunRe   = regexp.MustCompile(`[ \t]+`)
)

// Normalize removes soft-hyphen line breaks, collapses blank lines and runs of
// spaces or tabs, then trims the result. Normalize(Normalize(s)) == Normalize(s).
func Normalize(text string) string {
	// Joining "a--\n\nb" leaves a fresh "-\n", so repeat until none remain.
	for strings.Contains(text, "-\n") {
		text = strings.ReplaceAll(text, "-\n", "")
	}
	text = newlineRunRe.ReplaceAllString(text, "\n")
	text = spaceRunRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
