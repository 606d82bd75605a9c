package artifacts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/research-copilot/internal/research"
)

var outline = research.Document{
	Title:    "Acme vs Globex",
	Subtitle: "Competitive landscape",
	Sections: []research.Section{
		{Heading: "Market", Bullets: []string{"Acme leads in rockets", "Globex   leads\nin anvils"}},
		{Heading: "Risks", Bullets: []string{"Supply chain"}},
	},
}

func TestRenderSlides(t *testing.T) {
	out, err := Render(research.FormatSlides, outline)
	require.NoError(t, err)
	want := `---
marp: true
theme: default
paginate: true
---

# Acme vs Globex

Competitive landscape

---

## Market

- Acme leads in rockets
- Globex leads in anvils

---

## Risks

- Supply chain
`
	assert.Equal(t, want, string(out))
}

func TestRenderDocument(t *testing.T) {
	doc := outline
	doc.Subtitle = ""
	out, err := Render(research.FormatDocument, doc)
	require.NoError(t, err)
	want := `# Acme vs Globex

## Market

- Acme leads in rockets
- Globex leads in anvils

## Risks

- Supply chain
`
	assert.Equal(t, want, string(out))
}

func TestRenderChatHasNoArtifact(t *testing.T) {
	_, err := Render(research.FormatChat, outline)
	assert.Error(t, err)
}

func TestFilename(t *testing.T) {
	assert.Equal(t, "acme-vs-globex-slides.md", Filename("Acme vs. Globex!", research.FormatSlides))
	assert.Equal(t, "research.md", Filename("???", research.FormatDocument))
}
