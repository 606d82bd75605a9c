package research

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/research-copilot/internal/llm"
)

var (
	errEmptyOutput = errors.New("model returned no content")
	errNoSink      = errors.New("file output is not configured")
)

// Generate writes the answer in the planned format. There is no later stage
// to recover in, so every failure here is a GenerationError.
func (p *Pipeline) Generate(ctx context.Context, st State) (State, []Event, error) {
	format := st.Plan.OutputFormat
	if format == "" {
		format = FormatChat
	}
	fail := func(err error) (State, []Event, error) {
		return st, nil, &GenerationError{Format: format, Err: err}
	}

	if !format.HasArtifact() {
		text, events, err := p.complete(ctx, st, StageGenerator, llm.Request{
			System: generatorSystem,
			Prompt: generatorPrompt(st),
		})
		if err != nil {
			return fail(err)
		}
		if text == "" {
			return fail(errEmptyOutput)
		}
		st.OutputContent = text
		return st, events, nil
	}

	if p.artifacts == nil {
		return fail(errNoSink)
	}
	text, events, err := p.complete(ctx, st, StageGenerator, llm.Request{
		System: outlineSystem,
		Prompt: generatorPrompt(st),
		JSON:   true,
	})
	if err != nil {
		return fail(err)
	}
	var doc Document
	if err := decodeModelJSON(text, &doc); err != nil {
		return fail(fmt.Errorf("decode outline: %w", err))
	}
	doc = cleanDocument(doc, st.Query)
	if len(doc.Sections) == 0 {
		return fail(errEmptyOutput)
	}
	ref, err := p.artifacts.Save(ctx, st.SessionID, format, doc)
	if err != nil {
		return fail(fmt.Errorf("store artifact: %w", err))
	}
	st.ArtifactRef = ref
	st.OutputContent = outlineSummary(format, doc)
	return st, events, nil
}

func cleanDocument(doc Document, query string) Document {
	doc.Title = strings.TrimSpace(doc.Title)
	if doc.Title == "" {
		doc.Title = truncate(query, 80)
	}
	sections := doc.Sections[:0]
	for _, s := range doc.Sections {
		s.Heading = strings.TrimSpace(s.Heading)
		var bullets []string
		for _, b := range s.Bullets {
			if b = strings.TrimSpace(b); b != "" {
				bullets = append(bullets, b)
			}
		}
		s.Bullets = bullets
		if s.Heading == "" && len(s.Bullets) == 0 {
			continue
		}
		sections = append(sections, s)
	}
	doc.Sections = sections
	return doc
}

// outlineSummary is the chat text accompanying a generated file.
func outlineSummary(format OutputFormat, doc Document) string {
	noun := "document"
	if format == FormatSlides {
		noun = "presentation"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "I've prepared a %s: **%s**\n\n", noun, doc.Title)
	for _, s := range doc.Sections {
		fmt.Fprintf(&b, "- %s\n", s.Heading)
	}
	return strings.TrimRight(b.String(), "\n")
}
