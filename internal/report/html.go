package report

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/marketlens/marketlens/internal/types"
)

// Output formats a composer can render.
const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

var (
	boldPattern   = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	italicPattern = regexp.MustCompile(`_([^_]+)_`)
)

// renderDocumentHTML joins titled sections into one standalone HTML
// artifact. Section content arrives in the composer's markdown dialect
// (paragraphs, bullets, blockquotes, bold, italics) and is converted
// construct by construct; everything else is escaped.
func renderDocumentHTML(templateName, productName string, sections []types.ReportSection) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>")
	b.WriteString(html.EscapeString(templateName + ": " + productName))
	b.WriteString("</title></head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(templateName+": "+productName))
	for _, s := range sections {
		fmt.Fprintf(&b, "<section>\n<h2>%s</h2>\n%s</section>\n",
			html.EscapeString(s.Title), htmlBody(s.Content))
	}
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

// htmlBody converts one section's markdown content to HTML blocks.
func htmlBody(content string) string {
	var b strings.Builder
	var paragraph []string
	var list []string

	flushParagraph := func() {
		if len(paragraph) == 0 {
			return
		}
		fmt.Fprintf(&b, "<p>%s</p>\n", inlineHTML(strings.Join(paragraph, " ")))
		paragraph = nil
	}
	flushList := func() {
		if len(list) == 0 {
			return
		}
		b.WriteString("<ul>\n")
		for _, item := range list {
			fmt.Fprintf(&b, "<li>%s</li>\n", inlineHTML(item))
		}
		b.WriteString("</ul>\n")
		list = nil
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			flushParagraph()
			flushList()
		case strings.HasPrefix(trimmed, "- "):
			flushParagraph()
			list = append(list, strings.TrimPrefix(trimmed, "- "))
		case strings.HasPrefix(trimmed, "> "):
			flushParagraph()
			flushList()
			fmt.Fprintf(&b, "<blockquote>%s</blockquote>\n", inlineHTML(strings.TrimPrefix(trimmed, "> ")))
		default:
			flushList()
			paragraph = append(paragraph, trimmed)
		}
	}
	flushParagraph()
	flushList()
	return b.String()
}

// inlineHTML escapes the text and then rewrites the bold and italic
// spans the composer emits.
func inlineHTML(s string) string {
	escaped := html.EscapeString(s)
	escaped = boldPattern.ReplaceAllString(escaped, "<strong>$1</strong>")
	escaped = italicPattern.ReplaceAllString(escaped, "<em>$1</em>")
	return escaped
}
