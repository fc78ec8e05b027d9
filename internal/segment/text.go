package segment

import (
	"regexp"
	"strings"

	"github.com/MrWong99/lectern/pkg/provider/asyncstt"
)

var (
	spaceBeforePunct = regexp.MustCompile(`\s+([,.!?;:，。！？；：、)\]])`)
	multiSpace       = regexp.MustCompile(`\s{2,}`)
)

// IsCJK reports whether lang is a Chinese, Japanese or Korean language code.
// Text in these languages is written without spaces between tokens.
func IsCJK(lang string) bool {
	lang = strings.ToLower(lang)
	return strings.HasPrefix(lang, "zh") ||
		strings.HasPrefix(lang, "ja") ||
		strings.HasPrefix(lang, "ko")
}

func joinTokens(tokens []asyncstt.Token, lang string) string {
	if IsCJK(lang) {
		var sb strings.Builder
		for _, t := range tokens {
			sb.WriteString(t.Text)
		}
		return strings.TrimSpace(sb.String())
	}

	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if s := strings.TrimSpace(t.Text); s != "" {
			parts = append(parts, s)
		}
	}
	return tidy(strings.Join(parts, " "))
}

// tidy removes spaces in front of punctuation and collapses runs of
// whitespace.
func tidy(s string) string {
	s = spaceBeforePunct.ReplaceAllString(s, "$1")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// FullText concatenates segment texts in order. Segments in CJK languages are
// joined without a separator, everything else with a single space.
func FullText(segments []Segment) string {
	var sb strings.Builder
	for i, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if i > 0 && sb.Len() > 0 && !IsCJK(s.Language) {
			sb.WriteByte(' ')
		}
		sb.WriteString(text)
	}
	return sb.String()
}
