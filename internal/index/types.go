// Package index persists the retrieval index: units derived from resources,
// the segment registry mirroring vector rows, per-resource index state and the
// embedding dimension registry.
package index

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Modality selects the embedding space a segment lives in.
type Modality string

const (
	ModalityText       Modality = "text"
	ModalityMultimodal Modality = "multimodal"
)

// Valid reports whether m is a known modality.
func (m Modality) Valid() bool {
	return m == ModalityText || m == ModalityMultimodal
}

// ParseModality parses a modality name.
func ParseModality(s string) (Modality, error) {
	m := Modality(strings.ToLower(strings.TrimSpace(s)))
	if !m.Valid() {
		return "", fmt.Errorf("unknown modality %q", s)
	}
	return m, nil
}

// UnitKind is the granularity of a unit.
type UnitKind string

const (
	UnitWhole    UnitKind = "whole"
	UnitPage     UnitKind = "page"
	UnitQuestion UnitKind = "question"
	UnitSection  UnitKind = "section"
)

// State is a position in the per-resource index state machine.
type State string

const (
	StatePending  State = "pending"
	StateIndexing State = "indexing"
	StateIndexed  State = "indexed"
	StateFailed   State = "failed"
	StateDisabled State = "disabled"
)

// AllStates lists every state in transition order.
func AllStates() []State {
	return []State{StatePending, StateIndexing, StateIndexed, StateFailed, StateDisabled}
}

// VectorRef addresses one row in the vector store.
type VectorRef struct {
	Table       string `json:"table"`
	VectorRowID string `json:"vector_row_id"`
}

// GroupByTable groups refs by vector table.
func GroupByTable(refs []VectorRef) map[string][]string {
	out := make(map[string][]string)
	for _, r := range refs {
		out[r.Table] = append(out[r.Table], r.VectorRowID)
	}
	return out
}

// TableName returns the vector table for a (modality, dimension) pair.
func TableName(modality Modality, dim int) string {
	return "vfs_emb_" + string(modality) + "_" + strconv.Itoa(dim)
}

var rowIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("vfs:index_segments"))

// VectorRowID derives a stable vector row id, so re-embedding identical
// content overwrites the same row.
func VectorRowID(unitID string, segmentIndex int, modality Modality, dim int, contentHash string) string {
	name := strings.Join([]string{unitID, strconv.Itoa(segmentIndex), string(modality), strconv.Itoa(dim), contentHash}, "|")
	return uuid.NewSHA1(rowIDNamespace, []byte(name)).String()
}
