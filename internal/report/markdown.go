package report

import (
	"html"
	"html/template"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	reH4     = regexp.MustCompile(`(?m)^####\s+(.+)$`)
	reH3     = regexp.MustCompile(`(?m)^###\s+(.+)$`)
	reH2     = regexp.MustCompile(`(?m)^##\s+(.+)$`)
	reBold   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reBullet = regexp.MustCompile(`(?m)^[ \t]*[-*][ \t]+(.+)$`)
	reList   = regexp.MustCompile(`(<li[^>]*>[^\n]*</li>\n?)+`)
)

// Inline styles used by the preview, which is embedded without a stylesheet
const (
	styleH2     = `color: #000000; font-weight: bold; margin: 15px 0;`
	styleH3     = `color: #000000; font-weight: bold; margin: 12px 0;`
	styleH4     = `color: #000000; font-weight: bold; margin: 10px 0;`
	styleStrong = `color: #000000; font-weight: bold;`
	styleLi     = `color: #000000; margin-bottom: 8px; line-height: 1.5;`
	styleUl     = `color: #000000; padding-left: 30px; margin: 10px 0; list-style-position: outside; list-style-type: disc;`
	styleP      = `color: #000000; margin: 8px 0;`
)

var policy = newPolicy()

func newPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("style").Globally()
	return p
}

// Sanitize strips anything outside the report's HTML subset
func Sanitize(s string) template.HTML {
	return template.HTML(policy.Sanitize(s))
}

// MarkdownToHTML converts the Markdown subset models produce (headers, bold,
// bullet lists, paragraphs) into sanitized HTML. Raw HTML in text is escaped.
func MarkdownToHTML(text string, inline bool) template.HTML {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	text = html.EscapeString(text)

	tag := func(name, style string) string {
		if inline {
			return "<" + name + ` style="` + style + `">`
		}
		return "<" + name + ">"
	}
	text = reH4.ReplaceAllString(text, tag("h4", styleH4)+"$1</h4>")
	text = reH3.ReplaceAllString(text, tag("h3", styleH3)+"$1</h3>")
	text = reH2.ReplaceAllString(text, tag("h2", styleH2)+"$1</h2>")
	text = reBold.ReplaceAllString(text, tag("strong", styleStrong)+"$1</strong>")
	text = reBullet.ReplaceAllString(text, tag("li", styleLi)+"$1</li>")
	text = reList.ReplaceAllStringFunc(text, func(items string) string {
		if strings.HasSuffix(items, "\n") {
			return tag("ul", styleUl) + strings.TrimSuffix(items, "\n") + "</ul>\n"
		}
		return tag("ul", styleUl) + items + "</ul>"
	})

	var out []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		switch {
		case p == "":
		case strings.HasPrefix(p, "<"):
			out = append(out, p)
		default:
			out = append(out, tag("p", styleP)+p+"</p>")
		}
	}
	return Sanitize(strings.Join(out, "\n"))
}
