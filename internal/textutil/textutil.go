// Package textutil turns feed HTML into plain text for inference prompts.
package textutil

import (
	"regexp"
	"strings"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
)

// MaxPromptContent bounds the article text sent to an inference endpoint.
const MaxPromptContent = 4000

var (
	tags  = regexp.MustCompile(`<[^>]*>`)
	space = regexp.MustCompile(`\s+`)
)

// PlainText extracts the readable text of an HTML fragment. Input that
// readability cannot make sense of falls back to tag stripping.
func PlainText(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	if strings.Contains(content, "<") {
		article, err := readability.FromReader(strings.NewReader(content), nil)
		if err == nil {
			if text := collapse(article.TextContent); text != "" {
				return text
			}
		}
	}
	return collapse(tags.ReplaceAllString(content, " "))
}

// ForPrompt returns PlainText truncated to MaxPromptContent bytes.
func ForPrompt(content string) string {
	return Truncate(PlainText(content), MaxPromptContent)
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func collapse(s string) string {
	return strings.TrimSpace(space.ReplaceAllString(s, " "))
}
