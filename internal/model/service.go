// Package model talks to the embedding, reranking and rewrite models the VFS
// depends on. The models themselves run outside this process.
package model

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_service.go -package=mocks vfscore/internal/model Service,OCR

import (
	"context"
	"errors"
	"fmt"
)

// Assignments names the model configured for each role. Empty means unassigned.
type Assignments struct {
	EmbeddingModelID  string `json:"embedding_model_id,omitempty"`
	MultimodalModelID string `json:"multimodal_model_id,omitempty"`
	RerankerModelID   string `json:"reranker_model_id,omitempty"`
	RewriteModelID    string `json:"rewrite_model_id,omitempty"`
}

// EmbeddingModel returns the embedding model for a modality name.
func (a Assignments) EmbeddingModel(modality string) string {
	if modality == "multimodal" {
		return a.MultimodalModelID
	}
	return a.EmbeddingModelID
}

// RerankScore is the relevance of the candidate at Index.
type RerankScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rewrite is an optimized form of a user query.
type Rewrite struct {
	Query      string   `json:"query"`
	SubQueries []string `json:"sub_queries"`
	Concepts   []string `json:"concepts"`
}

// Service is the model collaborator used by indexing and search.
type Service interface {
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string, modelID string) ([][]float32, error)
	Rerank(ctx context.Context, query string, candidates []string, modelID string) ([]RerankScore, error)
	RewriteQuery(ctx context.Context, query, modelID string) (*Rewrite, error)
	Assignments(ctx context.Context) (Assignments, error)
}

// PageText is the text of one page of a document.
type PageText struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

// OCR extracts page text from a stored blob.
type OCR interface {
	ExtractPages(ctx context.Context, blobHash string) ([]PageText, error)
}

// ErrorKind classifies a model failure.
type ErrorKind string

const (
	ErrAuth        ErrorKind = "auth"
	ErrQuota       ErrorKind = "quota"
	ErrTimeout     ErrorKind = "timeout"
	ErrTransport   ErrorKind = "transport"
	ErrBadResponse ErrorKind = "bad_response"
	ErrUnavailable ErrorKind = "unavailable"
)

// Error is a classified model failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Status  int
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("model %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("model %s: %s", e.Kind, e.Message)
}

// Retryable is false for failures a retry cannot fix.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrAuth, ErrQuota:
		return false
	case ErrBadResponse:
		return e.Status < 400 || e.Status >= 500
	default:
		return true
	}
}

// IsRetryable reports whether err may succeed on a later attempt. Errors that
// are not model errors are treated as retryable.
func IsRetryable(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrAuth
	case status == 402 || status == 429:
		return ErrQuota
	case status == 408 || status == 504:
		return ErrTimeout
	case status >= 500:
		return ErrUnavailable
	default:
		return ErrBadResponse
	}
}
