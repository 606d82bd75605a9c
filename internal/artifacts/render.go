package artifacts

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/Kocoro-lab/research-copilot/internal/research"
)

// ContentTypeMarkdown is served for every rendered artifact.
const ContentTypeMarkdown = "text/markdown; charset=utf-8"

var funcs = template.FuncMap{
	"oneline": func(s string) string { return strings.Join(strings.Fields(s), " ") },
}

// Slides render as a Marp deck: front matter, a title slide, one slide per
// section separated by "---".
var slidesTemplate = template.Must(template.New("slides").Funcs(funcs).Parse(`---
marp: true
theme: default
paginate: true
---

# {{oneline .Title}}
{{- with .Subtitle}}

{{oneline .}}
{{- end}}
{{range .Sections}}
---

## {{oneline .Heading}}
{{range .Bullets}}
- {{oneline .}}
{{- end}}
{{end}}`))

var documentTemplate = template.Must(template.New("document").Funcs(funcs).Parse(`# {{oneline .Title}}
{{- with .Subtitle}}

_{{oneline .}}_
{{- end}}
{{range .Sections}}
## {{oneline .Heading}}
{{range .Bullets}}
- {{oneline .}}
{{- end}}
{{end}}`))

// Render turns a generated outline into Markdown for the given format.
func Render(format research.OutputFormat, doc research.Document) ([]byte, error) {
	var tpl *template.Template
	switch format {
	case research.FormatSlides:
		tpl = slidesTemplate
	case research.FormatDocument:
		tpl = documentTemplate
	default:
		return nil, fmt.Errorf("format %q has no artifact", format)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Filename derives a download name from the document title.
func Filename(title string, format research.OutputFormat) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(slug) > 60 {
		slug = strings.TrimRight(slug[:60], "-")
	}
	if slug == "" {
		slug = "research"
	}
	if format == research.FormatSlides {
		return slug + "-slides.md"
	}
	return slug + ".md"
}
