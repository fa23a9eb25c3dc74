// Package ids generates and parses the prefix-typed identifiers used by the VFS.
package ids

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ResourceKind is the tagged kind of a resource. The value doubles as the
// item_type stored in folder_items and index tables.
type ResourceKind string

const (
	KindNote        ResourceKind = "note"
	KindFile        ResourceKind = "file"
	KindTextbook    ResourceKind = "textbook"
	KindAttachment  ResourceKind = "attachment"
	KindTranslation ResourceKind = "translation"
	KindExam        ResourceKind = "exam"
	KindEssay       ResourceKind = "essay"
	KindMindMap     ResourceKind = "mindmap"
	KindFolder      ResourceKind = "folder"
)

var kindPrefixes = map[ResourceKind]string{
	KindNote:        "note",
	KindFile:        "file",
	KindTextbook:    "tb",
	KindAttachment:  "att",
	KindTranslation: "tr",
	KindExam:        "exam",
	KindEssay:       "essay",
	KindMindMap:     "mm",
	KindFolder:      "fld",
}

var prefixKinds = func() map[string]ResourceKind {
	m := make(map[string]ResourceKind, len(kindPrefixes))
	for k, p := range kindPrefixes {
		m[p] = k
	}
	return m
}()

// Internal prefixes for index rows.
const (
	UnitPrefix    = "unit"
	SegmentPrefix = "seg"
)

var encoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// AllKinds lists every resource kind except folders.
func AllKinds() []ResourceKind {
	return []ResourceKind{KindNote, KindFile, KindTextbook, KindAttachment, KindTranslation, KindExam, KindEssay, KindMindMap}
}

// Prefix returns the id prefix for k, without the trailing underscore.
func (k ResourceKind) Prefix() string {
	return kindPrefixes[k]
}

// Valid reports whether k is a known kind.
func (k ResourceKind) Valid() bool {
	_, ok := kindPrefixes[k]
	return ok
}

func (k ResourceKind) String() string {
	return string(k)
}

// ParseKind converts a stored item_type back into a ResourceKind.
func ParseKind(s string) (ResourceKind, error) {
	k := ResourceKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown resource kind %q", s)
	}
	return k, nil
}

// New returns a fresh id for kind. Ids sort by creation time.
func New(kind ResourceKind) string {
	return newWithPrefix(kind.Prefix())
}

// NewUnitID returns a fresh index unit id.
func NewUnitID() string {
	return newWithPrefix(UnitPrefix)
}

// NewSegmentID returns a fresh index segment id.
func NewSegmentID() string {
	return newWithPrefix(SegmentPrefix)
}

func newWithPrefix(prefix string) string {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		u = uuid.New()
	}
	return prefix + "_" + strings.ToLower(encoding.EncodeToString(u[:]))
}

// KindOf returns the resource kind encoded in id. A bare UUID is accepted as a
// folder id.
func KindOf(id string) (ResourceKind, error) {
	prefix, rest, ok := strings.Cut(id, "_")
	if ok && rest != "" {
		if kind, known := prefixKinds[prefix]; known {
			return kind, nil
		}
	}
	if _, err := uuid.Parse(id); err == nil {
		return KindFolder, nil
	}
	return "", fmt.Errorf("unrecognized id %q", id)
}

// MustKindOf is KindOf for ids produced by New.
func MustKindOf(id string) ResourceKind {
	kind, err := KindOf(id)
	if err != nil {
		panic(err)
	}
	return kind
}
