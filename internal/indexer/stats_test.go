package indexer

import (
	"context"
	"strings"
	"testing"

	"vfscore/internal/index"
)

func TestJob_Coverage(t *testing.T) {
	f := newFixture(t, fixtureOptions{chunkTokens: 20, chunkOverlap: 0})
	ctx := context.Background()

	empty, err := f.job.Coverage(ctx)
	if err != nil {
		t.Fatalf("Coverage() error = %v", err)
	}
	if empty.Units != 0 || empty.Segments != 0 || len(empty.ChunkTokenStats) != 0 {
		t.Errorf("Coverage() on empty index = %+v, want zero counts", empty)
	}
	if empty.ChunkerVersion != ChunkerVersion || empty.IndexVersion == "" {
		t.Errorf("Coverage() versions = %q/%q", empty.ChunkerVersion, empty.IndexVersion)
	}

	f.createNote(t, "Short", "one line")
	f.createNote(t, "Long", strings.Repeat("Energy is neither created nor destroyed. ", 10))
	f.process(t)

	stats, err := f.job.Coverage(ctx)
	if err != nil {
		t.Fatalf("Coverage() error = %v", err)
	}
	if stats.Resources != 2 || stats.Units != 2 || stats.UnitsNeedReindex != 0 {
		t.Errorf("Coverage() = %+v, want 2 resources with 2 indexed units", stats)
	}
	if stats.Segments < 3 {
		t.Errorf("Coverage() segments = %d, want several", stats.Segments)
	}
	text, ok := stats.ChunkTokenStats[string(index.ModalityText)]
	if !ok {
		t.Fatal("Coverage() has no text token stats")
	}
	if text.Count != stats.Segments || text.Min < 1 || text.Max > 20 || text.P95 > text.Max {
		t.Errorf("token stats = %+v, want %d segments within [1, 20]", text, stats.Segments)
	}
	if got := stats.States[index.ModalityText][index.StateIndexed]; got != 2 {
		t.Errorf("indexed states = %d, want 2", got)
	}
	if len(stats.Dimensions) != 1 || stats.Dimensions[0].Dimension != testDim {
		t.Errorf("dimensions = %+v, want one of %d", stats.Dimensions, testDim)
	}
}

func TestIndexVersion_ChangesWithParameters(t *testing.T) {
	a, _ := NewChunker(512, 64, nil)
	b, _ := NewChunker(256, 64, nil)

	if indexVersion(a, "m1") != indexVersion(a, "m1") {
		t.Error("indexVersion() not stable")
	}
	if indexVersion(a, "m1") == indexVersion(b, "m1") {
		t.Error("indexVersion() ignores chunk size")
	}
	if indexVersion(a, "m1") == indexVersion(a, "m2") {
		t.Error("indexVersion() ignores model")
	}
}

func TestComputeTokenStats(t *testing.T) {
	tests := []struct {
		name   string
		counts []int
		want   TokenStats
	}{
		{name: "empty", counts: nil, want: TokenStats{}},
		{name: "single", counts: []int{7}, want: TokenStats{Count: 1, Min: 7, Max: 7, Mean: 7, P95: 7}},
		{name: "several", counts: []int{4, 1, 3, 2}, want: TokenStats{Count: 4, Min: 1, Max: 4, Mean: 2.5, P95: 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := computeTokenStats(tt.counts); got != tt.want {
				t.Errorf("computeTokenStats() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
