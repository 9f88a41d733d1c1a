// Package textnorm repairs common recognition artifacts in extracted text.
package textnorm

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/adverant/nexus/ocr-worker/internal/logging"
)

// Substitution is a literal replacement applied over the whole text.
type Substitution struct {
	From string
	To   string
}

// typographic entries are always safe to apply.
var typographic = []Substitution{
	{"\u201c", "\""},
	{"\u201d", "\""},
	{"\u201e", "\""},
	{"\u2018", "'"},
	{"\u2019", "'"},
	{"\u201a", "'"},
	{"\ufb01", "fi"},
	{"\ufb02", "fl"},
	{"\ufb00", "ff"},
	{"\u2013", "-"},
	{"\u2014", "-"},
	{"\u2026", "..."},
	{"\u00a0", " "},
}

// lookalikes map characters the engine commonly confuses. Applied context
// free they also rewrite legitimate digits, so they are opt-in.
var lookalikes = []Substitution{
	{"|", "I"},
	{"0", "O"},
	{"1", "l"},
	{"5", "S"},
}

var (
	// RE2's \s is ASCII only; \p{Z} adds em, ideographic and other spaces.
	whitespaceRun   = regexp.MustCompile(`[\s\p{Z}]+`)
	spaceBeforePunc = regexp.MustCompile(`[\s\p{Z}]+([.,;:!?])`)
	letterAfterPunc = regexp.MustCompile(`([.,;:!?])(\pL)`)
	multiSpace      = regexp.MustCompile(` {2,}`)
	sentenceStart   = regexp.MustCompile(`\. \p{Ll}`)
	multiNewline    = regexp.MustCompile(`\n{2,}`)
)

// Normalizer applies the fixed post-processing steps in order.
type Normalizer struct {
	table  []Substitution
	logger *logging.Logger
}

// New builds a normalizer. When lookalike is true the digit/letter
// confusion table runs after the typographic one.
func New(lookalike bool, logger *logging.Logger) *Normalizer {
	if logger == nil {
		logger = logging.Nop()
	}
	table := make([]Substitution, 0, len(typographic)+len(lookalikes))
	table = append(table, typographic...)
	if lookalike {
		table = append(table, lookalikes...)
	}
	return &Normalizer{table: table, logger: logger}
}

// Table returns the substitutions in application order.
func (n *Normalizer) Table() []Substitution {
	out := make([]Substitution, len(n.table))
	copy(out, n.table)
	return out
}

type step struct {
	name string
	fn   func(string) string
}

// Normalize runs every step. A step that panics is skipped and the text it
// received is returned as the final result.
func (n *Normalizer) Normalize(text string) string {
	steps := []step{
		{"whitespace", collapseWhitespace},
		{"substitutions", n.substitute},
		{"punctuation", fixPunctuation},
		{"capitalization", capitalizeSentences},
		{"line_breaks", normalizeLineBreaks},
	}

	for _, s := range steps {
		out, ok := n.run(s, text)
		if !ok {
			return text
		}
		text = out
	}
	return text
}

func (n *Normalizer) run(s step, text string) (out string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("Text normalization step failed, keeping previous text", "step", s.name, "panic", r)
			ok = false
		}
	}()
	return s.fn(text), true
}

func collapseWhitespace(text string) string {
	text = norm.NFC.String(text)
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
}

// substitute applies each table entry over the output of the previous one,
// so a later entry can rewrite text an earlier entry produced.
func (n *Normalizer) substitute(text string) string {
	for _, s := range n.table {
		text = strings.ReplaceAll(text, s.From, s.To)
	}
	return text
}

func fixPunctuation(text string) string {
	text = spaceBeforePunc.ReplaceAllString(text, "$1")
	text = letterAfterPunc.ReplaceAllString(text, "$1 $2")
	return multiSpace.ReplaceAllString(text, " ")
}

func capitalizeSentences(text string) string {
	return sentenceStart.ReplaceAllStringFunc(text, func(m string) string {
		r := []rune(m)
		r[len(r)-1] = unicode.ToUpper(r[len(r)-1])
		return string(r)
	})
}

func normalizeLineBreaks(text string) string {
	text = multiNewline.ReplaceAllString(text, "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRightFunc(l, unicode.IsSpace)
	}
	return strings.Trim(strings.Join(lines, "\n"), "\n")
}
