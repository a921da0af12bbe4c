package merge

import (
	"regexp"
	"strings"

	"github.com/duke-git/lancet/v2/cryptor"
)

var (
	// declaration keyword plus the declared name
	headerPattern  = regexp.MustCompile(`(?s)^(lemma|theorem|axiom)\s+\S+\s*`)
	keywordPattern = regexp.MustCompile(`^(lemma|theorem)\s+`)
	trailingColon  = regexp.MustCompile(`:\s*$`)
)

// Normalize strips the leading `lemma|theorem|axiom <name>` header and
// collapses whitespace, so renamed or reformatted copies of one statement
// normalize identically.
func Normalize(content string) string {
	body := headerPattern.ReplaceAllString(strings.TrimSpace(content), "")
	return strings.Join(strings.Fields(body), " ")
}

// Signature returns the canonical signature of an attempt: the hex SHA-256
// of its normalized content.
func Signature(content string) string {
	return cryptor.Sha256(Normalize(content))
}

// ToAxiom converts a lemma or theorem into its axiom form by replacing the
// keyword and dropping the proof after `:=`.
func ToAxiom(content string) string {
	code := strings.TrimSpace(content)
	code = keywordPattern.ReplaceAllString(code, "axiom ")
	if i := strings.Index(code, ":="); i >= 0 {
		code = strings.TrimRight(code[:i], " \t\r\n")
	}
	return strings.TrimRight(trailingColon.ReplaceAllString(code, ""), " \t\r\n")
}

// IsIncomplete reports whether an attempt still contains a proof hole.
func IsIncomplete(content string) bool {
	return strings.Contains(content, "sorry") || strings.Contains(content, "admit")
}
