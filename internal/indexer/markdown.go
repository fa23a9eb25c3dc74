package indexer

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// MarkdownFlattener turns markdown into plain text for indexing. Block
// structure survives as blank lines so the chunker can split on it.
type MarkdownFlattener struct {
	parser goldmark.Markdown
}

// NewMarkdownFlattener creates a flattener with table support.
func NewMarkdownFlattener() *MarkdownFlattener {
	return &MarkdownFlattener{
		parser: goldmark.New(
			goldmark.WithExtensions(extension.Table, extension.Strikethrough),
		),
	}
}

// Flatten returns the visible text of content.
func (f *MarkdownFlattener) Flatten(content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}
	source := []byte(content)
	doc := f.parser.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	newBlock := func() {
		s := b.String()
		if len(s) == 0 || strings.HasSuffix(s, "\n\n") {
			return
		}
		if strings.HasSuffix(s, "\n") {
			b.WriteString("\n")
			return
		}
		b.WriteString("\n\n")
	}
	newLine := func() {
		s := b.String()
		if len(s) > 0 && !strings.HasSuffix(s, "\n") {
			b.WriteString("\n")
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Heading:
			newBlock()
			b.WriteString(extractTextFromNode(node, source))
			b.WriteString("\n")
			return ast.WalkSkipChildren, nil

		case *ast.Paragraph:
			if _, inList := node.Parent().(*ast.ListItem); inList {
				newLine()
			} else {
				newBlock()
			}
			return ast.WalkContinue, nil

		case *ast.TextBlock:
			newLine()
			return ast.WalkContinue, nil

		case *ast.List:
			newBlock()
			return ast.WalkContinue, nil

		case *ast.ListItem:
			newLine()
			return ast.WalkContinue, nil

		case *ast.Text:
			b.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteString("\n")
			}
			return ast.WalkContinue, nil

		case *ast.String:
			b.Write(node.Value)
			return ast.WalkContinue, nil

		case *ast.AutoLink:
			b.Write(node.Label(source))
			return ast.WalkSkipChildren, nil

		case *ast.FencedCodeBlock, *ast.CodeBlock:
			newBlock()
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				line := lines.At(i)
				b.Write(line.Value(source))
			}
			return ast.WalkSkipChildren, nil

		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil

		default:
			// table extension nodes are matched by kind name
			kindName := n.Kind().String()
			switch {
			case kindName == "Table":
				newBlock()
			case kindName == "TableRow" || kindName == "TableHeader":
				newLine()
				b.WriteString(extractTableRowText(n, source))
				b.WriteString("\n")
				return ast.WalkSkipChildren, nil
			}
			return ast.WalkContinue, nil
		}
	})

	return strings.TrimSpace(b.String())
}

// extractTextFromNode extracts text content from a node and its children.
func extractTextFromNode(n ast.Node, source []byte) string {
	var textBuilder strings.Builder

	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch v := node.(type) {
		case *ast.Text:
			textBuilder.Write(v.Segment.Value(source))
		case *ast.String:
			textBuilder.Write(v.Value)
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(textBuilder.String())
}

// extractTableRowText extracts text from a table row, formatting cells with pipe separators.
func extractTableRowText(row ast.Node, source []byte) string {
	var rowBuilder strings.Builder
	cellCount := 0

	_ = ast.Walk(row, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || node == row {
			return ast.WalkContinue, nil
		}

		if node.Kind().String() == "TableCell" {
			if cellCount > 0 {
				rowBuilder.WriteString(" | ")
			}
			rowBuilder.WriteString(extractTextFromNode(node, source))
			cellCount++
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return rowBuilder.String()
}
