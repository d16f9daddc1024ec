package scoring

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"

	"github.com/sevigo/docbias-scanner/internal/core"
)

var headingSelectors = []string{"h1", "h2", "h3", "h4", "h5", "h6"}

// ExtractSnippets renders markdown to HTML and pulls every <pre> block out as
// a Snippet, attaching the nearest heading as context and flagging Azure
// PowerShell tabs / Windows headers the same way extract_snippets does.
func ExtractSnippets(markdown string) ([]*core.Snippet, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(&buf)
	if err != nil {
		return nil, err
	}

	var snippets []*core.Snippet
	doc.Find("pre").Each(func(_ int, pre *goquery.Selection) {
		context := nearestHeading(pre)
		code := strings.TrimSpace(pre.Text())

		underAzPowerShell := false
		pre.ParentsFiltered("[data-tab]").EachWithBreak(func(_ int, p *goquery.Selection) bool {
			if tab, ok := p.Attr("data-tab"); ok && strings.EqualFold(tab, "azure-powershell") {
				underAzPowerShell = true
				return false
			}
			return true
		})

		snippets = append(snippets, &core.Snippet{
			Code:                 code,
			Context:              context,
			UnderAzPowerShellTab: underAzPowerShell,
			WindowsHeader:        context != "" && strings.Contains(strings.ToLower(context), "windows"),
		})
	})

	return snippets, nil
}

// nearestHeading looks for a heading inside the nearest enclosing
// section/article/div first, then falls back to the closest preceding
// heading in document order, matching extract_snippets's two-pass search.
func nearestHeading(pre *goquery.Selection) string {
	container := pre.ParentsFiltered("section, article, div").First()
	if container.Length() > 0 {
		if h := container.Find(strings.Join(headingSelectors, ", ")).First(); h.Length() > 0 {
			return strings.TrimSpace(h.Text())
		}
	}

	var context string
	pre.PrevAllFiltered(strings.Join(headingSelectors, ", ")).EachWithBreak(func(_ int, h *goquery.Selection) bool {
		context = strings.TrimSpace(h.Text())
		return false
	})
	if context != "" {
		return context
	}

	// PrevAll only walks siblings; climb ancestors looking for a preceding
	// sibling heading at each level, same as BeautifulSoup's find_previous.
	for node := pre.Parent(); node.Length() > 0; node = node.Parent() {
		var found string
		node.PrevAllFiltered(strings.Join(headingSelectors, ", ")).EachWithBreak(func(_ int, h *goquery.Selection) bool {
			found = strings.TrimSpace(h.Text())
			return false
		})
		if found != "" {
			return found
		}
		if goquery.NodeName(node) == "body" || goquery.NodeName(node) == "html" {
			break
		}
	}
	return ""
}

// ContentHash computes the change-detection hash used across the pipeline,
// the Go equivalent of calculate_content_hash.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// IsWindowsFocusedHeading checks the rendered document's H1 for an explicit
// "windows" mention, matching is_windows_focused_heading.
func IsWindowsFocusedHeading(markdown string) bool {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(&buf)
	if err != nil {
		return false
	}
	h1 := doc.Find("h1").First().Text()
	return strings.Contains(strings.ToLower(h1), "windows")
}
