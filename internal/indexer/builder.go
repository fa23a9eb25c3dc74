package indexer

import (
	"context"
	"fmt"
	"strings"

	"vfscore/internal/contextutil"
	"vfscore/internal/index"
	"vfscore/internal/model"
	"vfscore/internal/resource"
)

// UnitBuilder derives index units from a resource according to its kind.
type UnitBuilder struct {
	markdown *MarkdownFlattener
	ocr      model.OCR
}

// NewUnitBuilder creates a builder. ocr may be nil; documents without stored
// page text are then indexed from their extracted text only.
func NewUnitBuilder(ocr model.OCR) *UnitBuilder {
	return &UnitBuilder{markdown: NewMarkdownFlattener(), ocr: ocr}
}

// Build returns the units of r. The result is deterministic for a given
// resource state so repeated syncs are no-ops.
func (b *UnitBuilder) Build(ctx context.Context, r resource.Resource) ([]index.UnitInput, error) {
	switch v := r.(type) {
	case *resource.Note:
		return wholeUnit(joinNonEmpty(v.Title, b.markdown.Flatten(v.Content))), nil
	case *resource.Document:
		return b.documentUnits(ctx, v)
	case *resource.Exam:
		return examUnits(v), nil
	case *resource.Essay:
		return wholeUnit(joinNonEmpty(v.Prompt, b.markdown.Flatten(v.Content))), nil
	case *resource.Translation:
		return wholeUnit(joinNonEmpty(v.SourceText, v.TranslatedText)), nil
	case *resource.MindMap:
		root, err := v.Root()
		if err != nil {
			return nil, err
		}
		return wholeUnit(joinNonEmpty(v.Title, flattenMindMap(root))), nil
	default:
		return nil, fmt.Errorf("no unit policy for resource kind %s", r.ResourceKind())
	}
}

func (b *UnitBuilder) documentUnits(ctx context.Context, d *resource.Document) ([]index.UnitInput, error) {
	if units := pageUnits(d.Pages); len(units) > 0 {
		return units, nil
	}
	if d.ExtractedText != nil && strings.TrimSpace(*d.ExtractedText) != "" {
		return wholeUnit(*d.ExtractedText), nil
	}
	if b.ocr == nil || d.BlobHash == "" || !ocrCandidate(d.Mime) {
		// not text-extractable; the blob is still stored
		return nil, nil
	}

	pages, err := b.ocr.ExtractPages(ctx, d.BlobHash)
	if err != nil {
		return nil, fmt.Errorf("failed to extract pages of %s: %w", d.ID, err)
	}
	contextutil.LoggerFromContext(ctx).DebugContext(ctx, "extracted pages", "resource_id", d.ID, "pages", len(pages))
	converted := make([]resource.Page, len(pages))
	for i, p := range pages {
		converted[i] = resource.Page{Index: p.Index, Text: p.Text}
	}
	return pageUnits(converted), nil
}

func pageUnits(pages []resource.Page) []index.UnitInput {
	var units []index.UnitInput
	for _, p := range pages {
		if strings.TrimSpace(p.Text) == "" {
			continue
		}
		units = append(units, index.UnitInput{
			Kind:     index.UnitPage,
			Ordinal:  p.Index,
			Text:     p.Text,
			Metadata: map[string]any{"page_index": p.Index},
		})
	}
	return units
}

func examUnits(e *resource.Exam) []index.UnitInput {
	var units []index.UnitInput
	if e.Preview != nil {
		ordinal := 0
		for _, page := range e.Preview.Pages {
			for _, card := range page.Cards {
				if strings.TrimSpace(card.OCRText) == "" {
					continue
				}
				meta := map[string]any{"page_index": page.Index, "label": card.Label}
				if card.BBox != nil {
					meta["bbox"] = []float64{card.BBox.X, card.BBox.Y, card.BBox.Width, card.BBox.Height}
				}
				units = append(units, index.UnitInput{
					Kind:     index.UnitQuestion,
					Ordinal:  ordinal,
					Text:     card.OCRText,
					Metadata: meta,
				})
				ordinal++
			}
		}
	}
	if len(units) == 0 {
		return wholeUnit(e.OCRText)
	}
	return units
}

func wholeUnit(text string) []index.UnitInput {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return []index.UnitInput{{Kind: index.UnitWhole, Ordinal: 0, Text: text}}
}

func joinNonEmpty(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n\n")
}

// flattenMindMap writes node texts depth-first, one per line.
func flattenMindMap(root *resource.MindMapNode) string {
	var b strings.Builder
	var walk func(n *resource.MindMapNode)
	walk = func(n *resource.MindMapNode) {
		if t := strings.TrimSpace(n.Text); t != "" {
			b.WriteString(t)
			b.WriteString("\n")
		}
		if note := strings.TrimSpace(n.Note); note != "" {
			b.WriteString(note)
			b.WriteString("\n")
		}
		for i := range n.Children {
			walk(&n.Children[i])
		}
	}
	walk(root)
	return strings.TrimSpace(b.String())
}

func ocrCandidate(mime string) bool {
	return mime == "application/pdf" || strings.HasPrefix(mime, "image/")
}
