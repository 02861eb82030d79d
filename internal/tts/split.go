package tts

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	reasoningBlocks = []*regexp.Regexp{
		regexp.MustCompile(`(?s)💭\s*\*\*Thinking\.\.\.\*\*\s*\n\n.*?\n\n---\n\n\*\*Answer:\*\*\s*\n\n`),
		regexp.MustCompile(`(?s)💭\s*\*\*Thought Process:\*\*\s*\n\n.*?\n\n---\n\n\*\*Answer:\*\*\s*\n\n`),
	}

	boldMarkup    = regexp.MustCompile(`\*\*(.*?)\*\*`)
	italicMarkup  = regexp.MustCompile(`\*(.*?)\*`)
	codeMarkup    = regexp.MustCompile("`(.*?)`")
	headingMarkup = regexp.MustCompile(`(?m)^#{1,6}[ \t]*`)

	sentenceBoundary = regexp.MustCompile(`[.!?]\s+`)
	commaBoundary    = regexp.MustCompile(`,\s+`)
)

// Splitter breaks text into sentence-sized fragments for streaming synthesis.
type Splitter struct {
	// MaxLength is the rune count above which a fragment is split again at
	// commas. Zero disables the second split.
	MaxLength int
	// MinLength is the rune count below which a fragment absorbs its
	// successor. Zero disables merging.
	MinLength int
}

// Split returns the speakable fragments of text in order. Text holding no
// letters or digits yields nil.
func (s Splitter) Split(text string) []string {
	text = StripMarkup(text)
	if text == "" {
		return nil
	}

	var raw []string
	for _, frag := range cutAfter(text, sentenceBoundary) {
		frag = strings.TrimSpace(frag)
		if utf8.RuneCountInString(frag) <= 3 || !speakable(frag) {
			continue
		}
		raw = append(raw, frag)
	}

	var out []string
	for i := 0; i < len(raw); i++ {
		current := raw[i]
		if s.MinLength > 0 && utf8.RuneCountInString(current) < s.MinLength && i+1 < len(raw) {
			current = current + " " + raw[i+1]
			i++
		}
		if s.MaxLength > 0 && utf8.RuneCountInString(current) > s.MaxLength {
			for _, part := range cutAfter(current, commaBoundary) {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
			continue
		}
		out = append(out, current)
	}
	return out
}

// StripMarkup removes reasoning preambles and inline markdown so that only
// the spoken answer remains.
func StripMarkup(text string) string {
	for _, block := range reasoningBlocks {
		text = block.ReplaceAllString(text, "")
	}

	text = boldMarkup.ReplaceAllString(text, "${1}")
	text = italicMarkup.ReplaceAllString(text, "${1}")
	text = codeMarkup.ReplaceAllString(text, "${1}")
	text = headingMarkup.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// cutAfter splits text at each match of boundary. The first byte of the
// match stays with the left fragment and the rest is consumed.
func cutAfter(text string, boundary *regexp.Regexp) []string {
	var parts []string
	prev := 0
	for _, loc := range boundary.FindAllStringIndex(text, -1) {
		parts = append(parts, text[prev:loc[0]+1])
		prev = loc[1]
	}
	if prev < len(text) {
		parts = append(parts, text[prev:])
	}
	return parts
}

func speakable(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
