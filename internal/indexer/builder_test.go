package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.uber.org/mock/gomock"

	"vfscore/internal/ids"
	"vfscore/internal/index"
	"vfscore/internal/model"
	"vfscore/internal/model/mocks"
	"vfscore/internal/resource"
)

func strPtr(s string) *string { return &s }

func TestUnitBuilder_Build(t *testing.T) {
	tree, err := json.Marshal(resource.MindMapNode{
		Text: "Physics",
		Children: []resource.MindMapNode{
			{Text: "Mechanics", Note: "Newton"},
			{Text: "Optics"},
		},
	})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	tests := []struct {
		name      string
		resource  resource.Resource
		wantKinds []index.UnitKind
		wantTexts []string
	}{
		{
			name:      "note",
			resource:  &resource.Note{ID: "note_1", Title: "Newton", Content: "F=ma"},
			wantKinds: []index.UnitKind{index.UnitWhole},
			wantTexts: []string{"Newton\n\nF=ma"},
		},
		{
			name:     "empty note",
			resource: &resource.Note{ID: "note_2", Title: " ", Content: ""},
		},
		{
			name: "document pages skip blank pages",
			resource: &resource.Document{ID: "file_1", Kind: ids.KindFile, Mime: "application/pdf", Pages: []resource.Page{
				{Index: 0, Text: "alpha"}, {Index: 1, Text: "  "}, {Index: 2, Text: "gamma"},
			}},
			wantKinds: []index.UnitKind{index.UnitPage, index.UnitPage},
			wantTexts: []string{"alpha", "gamma"},
		},
		{
			name:      "document extracted text",
			resource:  &resource.Document{ID: "file_2", Kind: ids.KindFile, Mime: "text/plain", ExtractedText: strPtr("plain body")},
			wantKinds: []index.UnitKind{index.UnitWhole},
			wantTexts: []string{"plain body"},
		},
		{
			name:     "attachment without text",
			resource: &resource.Document{ID: "att_1", Kind: ids.KindAttachment, Mime: "application/zip", BlobHash: "abc"},
		},
		{
			name: "exam questions",
			resource: &resource.Exam{ID: "exam_1", OCRText: "whole scan", Preview: &resource.ExamPreview{Pages: []resource.ExamPage{
				{Index: 0, Cards: []resource.QuestionCard{{Label: "1", OCRText: "What is F?"}, {Label: "2", OCRText: ""}}},
				{Index: 1, Cards: []resource.QuestionCard{{Label: "3", OCRText: "Define mass.", BBox: &resource.BBox{X: 1, Y: 2, Width: 3, Height: 4}}}},
			}}},
			wantKinds: []index.UnitKind{index.UnitQuestion, index.UnitQuestion},
			wantTexts: []string{"What is F?", "Define mass."},
		},
		{
			name:      "exam without cards",
			resource:  &resource.Exam{ID: "exam_2", OCRText: "whole scan"},
			wantKinds: []index.UnitKind{index.UnitWhole},
			wantTexts: []string{"whole scan"},
		},
		{
			name:      "essay",
			resource:  &resource.Essay{ID: "essay_1", Title: "T", Prompt: "Describe motion", Content: "Things *move*."},
			wantKinds: []index.UnitKind{index.UnitWhole},
			wantTexts: []string{"Describe motion\n\nThings move."},
		},
		{
			name:      "translation keeps both languages",
			resource:  &resource.Translation{ID: "tr_1", SourceText: "力", TranslatedText: "force"},
			wantKinds: []index.UnitKind{index.UnitWhole},
			wantTexts: []string{"力\n\nforce"},
		},
		{
			name:      "mind map",
			resource:  &resource.MindMap{ID: "mm_1", Title: "Map", Structure: tree},
			wantKinds: []index.UnitKind{index.UnitWhole},
			wantTexts: []string{"Map\n\nPhysics\nMechanics\nNewton\nOptics"},
		},
	}

	b := NewUnitBuilder(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units, err := b.Build(context.Background(), tt.resource)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if len(units) != len(tt.wantKinds) {
				t.Fatalf("Build() returned %d units, want %d: %+v", len(units), len(tt.wantKinds), units)
			}
			for i, u := range units {
				if u.Kind != tt.wantKinds[i] {
					t.Errorf("unit %d kind = %s, want %s", i, u.Kind, tt.wantKinds[i])
				}
				if u.Text != tt.wantTexts[i] {
					t.Errorf("unit %d text = %q, want %q", i, u.Text, tt.wantTexts[i])
				}
			}
		})
	}
}

func TestUnitBuilder_ExamMetadata(t *testing.T) {
	exam := &resource.Exam{ID: "exam_1", Preview: &resource.ExamPreview{Pages: []resource.ExamPage{
		{Index: 3, Cards: []resource.QuestionCard{{Label: "Q7", OCRText: "Solve x.", BBox: &resource.BBox{X: 0.1, Y: 0.2, Width: 0.3, Height: 0.4}}}},
	}}}

	units, err := NewUnitBuilder(nil).Build(context.Background(), exam)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("Build() returned %d units, want 1", len(units))
	}
	meta := units[0].Metadata
	if meta["page_index"] != 3 || meta["label"] != "Q7" {
		t.Errorf("metadata = %v, want page_index 3 and label Q7", meta)
	}
	bbox, ok := meta["bbox"].([]float64)
	if !ok || len(bbox) != 4 || bbox[2] != 0.3 {
		t.Errorf("metadata bbox = %v, want [0.1 0.2 0.3 0.4]", meta["bbox"])
	}
}

func TestUnitBuilder_DocumentOCR(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ocr := mocks.NewMockOCR(ctrl)
	ocr.EXPECT().ExtractPages(gomock.Any(), "hash1").Return([]model.PageText{
		{Index: 0, Text: "alpha"},
		{Index: 1, Text: "beta alpha"},
		{Index: 2, Text: "gamma"},
	}, nil)

	doc := &resource.Document{ID: "file_1", Kind: ids.KindFile, Mime: "application/pdf", BlobHash: "hash1"}
	units, err := NewUnitBuilder(ocr).Build(context.Background(), doc)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("Build() returned %d units, want 3", len(units))
	}
	for i, u := range units {
		if u.Kind != index.UnitPage || u.Ordinal != i {
			t.Errorf("unit %d = %s/%d, want page/%d", i, u.Kind, u.Ordinal, i)
		}
	}
}

func TestUnitBuilder_DocumentOCRError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ocr := mocks.NewMockOCR(ctrl)
	ocr.EXPECT().ExtractPages(gomock.Any(), "hash1").Return(nil, errors.New("ocr down"))

	doc := &resource.Document{ID: "file_1", Kind: ids.KindFile, Mime: "image/png", BlobHash: "hash1"}
	_, err := NewUnitBuilder(ocr).Build(context.Background(), doc)
	if err == nil || !strings.Contains(err.Error(), "ocr down") {
		t.Errorf("Build() error = %v, want ocr failure", err)
	}
}
