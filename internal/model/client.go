package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"vfscore/internal/config"
	"vfscore/internal/contextutil"
	"vfscore/internal/vfserr"
)

const maxSubQueries = 3

// Client is an OpenAI-compatible HTTP client for embeddings, reranking and
// chat-based query rewriting.
type Client struct {
	BaseURL string
	APIKey  string

	client        *http.Client
	limiter       *rate.Limiter
	maxRetries    int
	retryBase     time.Duration
	retryMax      time.Duration
	embedTimeout  time.Duration
	rerankTimeout time.Duration
	assignments   *AssignmentCache
}

// NewClient creates a model client from cfg. settings may be nil.
func NewClient(cfg config.ModelConfig, settings SettingsReader) *Client {
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = max(1, int(cfg.RequestsPerSecond))
	}
	return &Client{
		BaseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		APIKey:        cfg.APIKey,
		client:        &http.Client{},
		limiter:       rate.NewLimiter(limit, burst),
		maxRetries:    cfg.MaxTransportRetries,
		retryBase:     100 * time.Millisecond,
		retryMax:      5 * time.Second,
		embedTimeout:  cfg.EmbedTimeout,
		rerankTimeout: cfg.RerankTimeout,
		assignments: NewAssignmentCache(Assignments{
			EmbeddingModelID:  cfg.EmbeddingModel,
			MultimodalModelID: cfg.MultimodalModel,
			RerankerModelID:   cfg.RerankerModel,
			RewriteModelID:    cfg.RewriteModel,
		}, settings),
	}
}

// AssignmentCache exposes the cache so callers can invalidate it after
// changing assignments.
func (c *Client) AssignmentCache() *AssignmentCache {
	return c.assignments
}

// Assignments returns the models assigned to each role.
func (c *Client) Assignments(ctx context.Context) (Assignments, error) {
	return c.assignments.Get(ctx)
}

// EmbeddingsRequest represents the request payload for embeddings API.
type EmbeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbeddingData represents a single embedding in the response.
type EmbeddingData struct {
	Index     *int      `json:"index,omitempty"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingsResponse represents the response from the embeddings API.
type EmbeddingsResponse struct {
	Data []EmbeddingData `json:"data"`
}

// Embed generates embeddings for texts. Results follow input order.
func (c *Client) Embed(ctx context.Context, texts []string, modelID string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if modelID == "" {
		return nil, vfserr.Invalid("model.embed", vfserr.CodeModel, "no embedding model assigned")
	}

	var resp EmbeddingsResponse
	if err := c.post(ctx, "/v1/embeddings", c.embedTimeout, EmbeddingsRequest{Model: modelID, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, &Error{Kind: ErrBadResponse, Message: fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Data))}
	}

	result := make([][]float32, len(texts))
	for i, data := range resp.Data {
		pos := i
		if data.Index != nil {
			pos = *data.Index
		}
		if pos < 0 || pos >= len(texts) || result[pos] != nil {
			return nil, &Error{Kind: ErrBadResponse, Message: fmt.Sprintf("embedding index %d out of order", pos)}
		}
		if len(data.Embedding) == 0 {
			return nil, &Error{Kind: ErrBadResponse, Message: fmt.Sprintf("embedding %d is empty", pos)}
		}
		vec := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float32(v)
		}
		result[pos] = vec
	}
	return result, nil
}

// RerankRequest is the payload of the rerank endpoint.
type RerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

// RerankResult is one scored document.
type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

// RerankResponse is the response of the rerank endpoint.
type RerankResponse struct {
	Results []RerankResult `json:"results"`
}

// Rerank scores candidates against query.
func (c *Client) Rerank(ctx context.Context, query string, candidates []string, modelID string) ([]RerankScore, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if modelID == "" {
		return nil, vfserr.Invalid("model.rerank", vfserr.CodeModel, "no reranker model assigned")
	}

	var resp RerankResponse
	req := RerankRequest{Model: modelID, Query: query, Documents: candidates, TopN: len(candidates)}
	if err := c.post(ctx, "/v1/rerank", c.rerankTimeout, req, &resp); err != nil {
		return nil, err
	}

	scores := make([]RerankScore, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(candidates) {
			return nil, &Error{Kind: ErrBadResponse, Message: fmt.Sprintf("rerank index %d out of range", r.Index)}
		}
		scores = append(scores, RerankScore{Index: r.Index, Score: r.RelevanceScore})
	}
	return scores, nil
}

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest represents the request payload for chat completions.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
}

// ChatChoice represents a single choice in the chat response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatResponse represents the response from the chat completions API.
type ChatResponse struct {
	Choices []ChatChoice `json:"choices"`
}

const rewritePrompt = `Rewrite the user's search query for a personal knowledge base.
Reply with JSON only: {"query": "...", "sub_queries": ["..."], "concepts": ["..."]}.
Use at most 3 sub_queries. Keep the user's language.`

// RewriteQuery asks the rewrite model for an optimized query. A reply that
// is not valid JSON yields the original query unchanged.
func (c *Client) RewriteQuery(ctx context.Context, query, modelID string) (*Rewrite, error) {
	if modelID == "" {
		return nil, vfserr.Invalid("model.rewrite", vfserr.CodeModel, "no rewrite model assigned")
	}
	logger := contextutil.LoggerFromContext(ctx)

	req := ChatRequest{
		Model: modelID,
		Messages: []ChatMessage{
			{Role: "system", Content: rewritePrompt},
			{Role: "user", Content: query},
		},
		Temperature: 0,
	}
	var resp ChatResponse
	if err := c.post(ctx, "/v1/chat/completions", c.rerankTimeout, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: ErrBadResponse, Message: "no choices returned"}
	}

	rw, err := parseRewrite(resp.Choices[0].Message.Content)
	if err != nil {
		logger.WarnContext(ctx, "rewrite reply was not JSON, using original query", "error", err)
		return &Rewrite{Query: query}, nil
	}
	if strings.TrimSpace(rw.Query) == "" {
		rw.Query = query
	}
	return rw, nil
}

func parseRewrite(content string) (*Rewrite, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var rw Rewrite
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &rw); err != nil {
		return nil, err
	}
	if len(rw.SubQueries) > maxSubQueries {
		rw.SubQueries = rw.SubQueries[:maxSubQueries]
	}
	return &rw, nil
}

// post sends a JSON request with rate limiting, a per-call timeout and
// exponential retries for retryable failures.
func (c *Client) post(ctx context.Context, path string, timeout time.Duration, in, out any) error {
	if c.BaseURL == "" {
		return &Error{Kind: ErrUnavailable, Message: "model endpoint not configured"}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBase
	policy.MaxInterval = c.retryMax
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := c.do(ctx, path, body, out)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		contextutil.LoggerFromContext(ctx).DebugContext(ctx, "model request failed, retrying",
			"path", path, "attempt", attempt, "error", err)
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(0, c.maxRetries))), ctx))
}

func (c *Client) do(ctx context.Context, path string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Kind: ErrTimeout, Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &Error{Kind: ErrTimeout, Message: err.Error()}
		}
		return &Error{Kind: ErrTransport, Message: err.Error()}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Kind: classifyStatus(resp.StatusCode), Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: ErrBadResponse, Message: fmt.Sprintf("failed to decode response: %v", err)}
	}
	return nil
}
