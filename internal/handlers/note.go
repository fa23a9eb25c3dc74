package handlers

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	ghhtml "github.com/yuin/goldmark/renderer/html"

	"vfscore/internal/contextutil"
	"vfscore/internal/ids"
	"vfscore/internal/service"
	"vfscore/internal/vfserr"
)

// NoteHandler serves markdown notes as rendered HTML pages.
type NoteHandler struct {
	vfs      *service.VFS
	parser   goldmark.Markdown
	template *template.Template
}

// notePageData holds template data for rendered note pages.
type notePageData struct {
	Title     string
	NoteID    string
	UpdatedAt string
	Content   template.HTML
}

var noteTemplate = template.Must(template.New("note").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}}</title>
  <style>
    body {
      font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
      margin: 0 auto;
      padding: 2rem;
      max-width: 900px;
      line-height: 1.7;
    }
    header {
      margin-bottom: 2rem;
      border-bottom: 1px solid #e2e8f0;
      padding-bottom: 1.5rem;
    }
    pre {
      background: #f1f5f9;
      padding: 1rem;
      overflow-x: auto;
      border-radius: 8px;
    }
    code {
      font-family: 'SFMono-Regular', Consolas, 'Liberation Mono', Menlo, monospace;
    }
    .meta {
      color: #64748b;
      font-size: 0.95rem;
    }
  </style>
</head>
<body>
  <header>
    <h1>{{.Title}}</h1>
    <p class="meta">{{.NoteID}} &middot; updated {{.UpdatedAt}}</p>
  </header>
  <article>{{.Content}}</article>
</body>
</html>`))

// NewNoteHandler creates a new handler for rendering notes.
func NewNoteHandler(vfs *service.VFS) *NoteHandler {
	return &NoteHandler{
		vfs: vfs,
		parser: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				extension.Table,
				extension.TaskList,
				extension.Strikethrough,
				extension.Linkify,
				extension.Typographer,
			),
			goldmark.WithRendererOptions(
				ghhtml.WithUnsafe(),
			),
			goldmark.WithParserOptions(
				parser.WithAutoHeadingID(),
			),
		),
		template: noteTemplate,
	}
}

// ServeHTTP handles GET /api/notes/{id}/html.
func (h *NoteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	id := chi.URLParam(r, "id")
	if kind, err := ids.KindOf(id); err != nil || kind != ids.KindNote {
		writeStatus(w, r, http.StatusBadRequest, vfserr.CodeInvalidArgument, "not a note id")
		return
	}

	note, err := h.vfs.Resources().GetNote(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if note.DeletedAt != nil {
		writeStatus(w, r, http.StatusNotFound, vfserr.CodeNotFound, "note is deleted")
		return
	}

	htmlContent, err := h.renderMarkdown([]byte(note.Content))
	if err != nil {
		logger.ErrorContext(ctx, "failed to render markdown", "note_id", id, "error", err)
		http.Error(w, "failed to render note", http.StatusInternalServerError)
		return
	}

	title := note.Title
	if title == "" {
		title = "Note"
	}
	pageData := notePageData{
		Title:     title,
		NoteID:    note.ID,
		UpdatedAt: note.UpdatedAt.UTC().Format("2006-01-02 15:04"),
		Content:   template.HTML(htmlContent),
	}

	var buf bytes.Buffer
	if err := h.template.Execute(&buf, pageData); err != nil {
		logger.ErrorContext(ctx, "failed to execute note template", "note_id", id, "error", err)
		http.Error(w, "failed to render note", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (h *NoteHandler) renderMarkdown(content []byte) (string, error) {
	var buf bytes.Buffer
	if err := h.parser.Convert(content, &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return buf.String(), nil
}
