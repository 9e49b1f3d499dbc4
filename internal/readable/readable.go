// Package readable turns page markup into text a human (or a model) can
// read: the main article via readability, or the whole page as markdown.
package readable

import (
	"fmt"
	"net/url"
	"strings"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/go-shiori/go-readability"
)

// Format selects the extraction.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
)

// ParseFormat validates a format name. Empty means FormatText.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatText, nil
	case FormatText, FormatMarkdown:
		return f, nil
	default:
		return "", fmt.Errorf("format must be text or markdown")
	}
}

// Result is the extracted content.
type Result struct {
	Title    string `json:"title"`
	Byline   string `json:"byline,omitempty"`
	SiteName string `json:"siteName,omitempty"`
	Text     string `json:"text"`
}

// Extract pulls readable content out of html loaded from pageURL.
func Extract(html, pageURL string, format Format) (*Result, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL: %w", err)
	}

	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}
	res := &Result{
		Title:    article.Title,
		Byline:   article.Byline,
		SiteName: article.SiteName,
		Text:     strings.TrimSpace(article.TextContent),
	}

	if format == FormatMarkdown {
		markdown, err := htmltomd.ConvertString(html)
		if err != nil {
			return nil, fmt.Errorf("failed to convert to markdown: %w", err)
		}
		res.Text = strings.TrimSpace(markdown)
	}
	return res, nil
}
