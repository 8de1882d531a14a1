// Package render turns transcript messages into text for terminal and chat
// surfaces.
package render

import (
	"log/slog"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

var tagPattern = regexp.MustCompile(`</?[a-zA-Z][a-zA-Z0-9]*(\s[^<>]*)?/?>`)

// HasMarkup reports whether content contains HTML tags.
func HasMarkup(content string) bool {
	return tagPattern.MatchString(content)
}

// Markdown converts assistant HTML to markdown. Plain text and markdown are
// returned unchanged, as is content the converter rejects.
func Markdown(content string) string {
	if !HasMarkup(content) {
		return content
	}
	md, err := htmltomarkdown.ConvertString(content)
	if err != nil {
		slog.Debug("html conversion failed, keeping raw content", "error", err)
		return content
	}
	return strings.TrimSpace(md)
}
