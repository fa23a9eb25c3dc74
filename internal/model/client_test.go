package model

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"vfscore/internal/config"
	"vfscore/internal/vfserr"
)

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestClient(url string, retries int) *Client {
	return NewClient(config.ModelConfig{
		BaseURL:             url,
		APIKey:              "test-key",
		EmbeddingModel:      "embed-model",
		RerankerModel:       "rerank-model",
		EmbedTimeout:        5 * time.Second,
		RerankTimeout:       5 * time.Second,
		MaxTransportRetries: retries,
	}, nil)
}

func intPtr(i int) *int { return &i }

func TestClient_Embed(t *testing.T) {
	tests := []struct {
		name       string
		texts      []string
		serverResp func(w http.ResponseWriter, r *http.Request)
		wantErr    bool
		want       [][]float32
	}{
		{
			name:  "successful embedding",
			texts: []string{"Hello", "World"},
			serverResp: func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("expected POST, got %s", r.Method)
				}
				if r.URL.Path != "/v1/embeddings" {
					t.Errorf("expected /v1/embeddings, got %s", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
					t.Errorf("Authorization = %q", got)
				}
				var req EmbeddingsRequest
				_ = json.NewDecoder(r.Body).Decode(&req)
				if req.Model != "embed-model" {
					t.Errorf("model = %q, want embed-model", req.Model)
				}
				_ = json.NewEncoder(w).Encode(EmbeddingsResponse{Data: []EmbeddingData{
					{Embedding: []float64{1.5, 0}},
					{Embedding: []float64{0, 2.5}},
				}})
			},
			want: [][]float32{{1.5, 0}, {0, 2.5}},
		},
		{
			name:  "reorders by index",
			texts: []string{"a", "b"},
			serverResp: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(EmbeddingsResponse{Data: []EmbeddingData{
					{Index: intPtr(1), Embedding: []float64{2}},
					{Index: intPtr(0), Embedding: []float64{1}},
				}})
			},
			want: [][]float32{{1}, {2}},
		},
		{
			name:  "duplicate index",
			texts: []string{"a", "b"},
			serverResp: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(EmbeddingsResponse{Data: []EmbeddingData{
					{Index: intPtr(0), Embedding: []float64{2}},
					{Index: intPtr(0), Embedding: []float64{1}},
				}})
			},
			wantErr: true,
		},
		{
			name:  "wrong embedding count",
			texts: []string{"Hello", "World"},
			serverResp: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(EmbeddingsResponse{Data: []EmbeddingData{{Embedding: []float64{1}}}})
			},
			wantErr: true,
		},
		{
			name:  "malformed body",
			texts: []string{"Hello"},
			serverResp: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("not json"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(tt.serverResp))
			defer server.Close()

			client := newTestClient(server.URL, 0)
			got, err := client.Embed(context.Background(), tt.texts, "embed-model")
			if tt.wantErr {
				if err == nil {
					t.Errorf("Embed() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Embed() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Embed() returned %d vectors, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				for j := range tt.want[i] {
					if got[i][j] != tt.want[i][j] {
						t.Errorf("Embed()[%d][%d] = %v, want %v", i, j, got[i][j], tt.want[i][j])
					}
				}
			}
		})
	}
}

func TestClient_Embed_NoModel(t *testing.T) {
	client := newTestClient("http://localhost:1", 0)
	_, err := client.Embed(context.Background(), []string{"x"}, "")
	if !vfserr.IsKind(err, vfserr.KindInvalidArgument) {
		t.Errorf("Embed() without model error = %v, want InvalidArgument", err)
	}
}

func TestClient_Retries(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		failures  int32
		retries   int
		wantErr   bool
		wantKind  ErrorKind
		wantCalls int32
	}{
		{name: "transient then success", status: http.StatusServiceUnavailable, failures: 2, retries: 3, wantCalls: 3},
		{name: "retries exhausted", status: http.StatusInternalServerError, failures: 10, retries: 1, wantErr: true, wantKind: ErrUnavailable, wantCalls: 2},
		{name: "auth is not retried", status: http.StatusUnauthorized, failures: 10, retries: 3, wantErr: true, wantKind: ErrAuth, wantCalls: 1},
		{name: "quota is not retried", status: http.StatusTooManyRequests, failures: 10, retries: 3, wantErr: true, wantKind: ErrQuota, wantCalls: 1},
		{name: "bad request is not retried", status: http.StatusBadRequest, failures: 10, retries: 3, wantErr: true, wantKind: ErrBadResponse, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= tt.failures {
					w.WriteHeader(tt.status)
					_, _ = w.Write([]byte("nope"))
					return
				}
				_ = json.NewEncoder(w).Encode(EmbeddingsResponse{Data: []EmbeddingData{{Embedding: []float64{1}}}})
			}))
			defer server.Close()

			client := newTestClient(server.URL, tt.retries)
			client.retryBase = time.Millisecond
			client.retryMax = 5 * time.Millisecond

			_, err := client.Embed(context.Background(), []string{"x"}, "embed-model")
			if calls.Load() != tt.wantCalls {
				t.Errorf("server calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Embed() error = %v", err)
				}
				return
			}
			var me *Error
			if !errors.As(err, &me) {
				t.Fatalf("Embed() error = %v, want *model.Error", err)
			}
			if me.Kind != tt.wantKind || me.Status != tt.status {
				t.Errorf("Embed() error = %+v, want kind %s status %d", me, tt.wantKind, tt.status)
			}
		})
	}
}

func TestClient_Rerank(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/rerank" {
			t.Errorf("expected /v1/rerank, got %s", r.URL.Path)
		}
		var req RerankRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Query != "newton" || len(req.Documents) != 2 {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(RerankResponse{Results: []RerankResult{
			{Index: 1, RelevanceScore: 0.9},
			{Index: 0, RelevanceScore: 0.1},
		}})
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	scores, err := client.Rerank(context.Background(), "newton", []string{"apples", "F=ma"}, "rerank-model")
	if err != nil {
		t.Fatalf("Rerank() error = %v", err)
	}
	if len(scores) != 2 || scores[0].Index != 1 || scores[0].Score != 0.9 {
		t.Errorf("Rerank() = %+v", scores)
	}
}

func TestClient_RewriteQuery(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		wantQuery string
		wantSubs  int
	}{
		{
			name:      "plain json",
			reply:     `{"query":"newton second law","sub_queries":["force","mass","acceleration","extra"],"concepts":["physics"]}`,
			wantQuery: "newton second law",
			wantSubs:  3,
		},
		{
			name:      "fenced json",
			reply:     "```json\n{\"query\":\"f equals ma\"}\n```",
			wantQuery: "f equals ma",
		},
		{
			name:      "not json",
			reply:     "Sure! Here is a better query.",
			wantQuery: "what is newton's law",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(ChatResponse{Choices: []ChatChoice{{Message: ChatMessage{Role: "assistant", Content: tt.reply}}}})
			}))
			defer server.Close()

			client := newTestClient(server.URL, 0)
			rw, err := client.RewriteQuery(context.Background(), "what is newton's law", "rewrite-model")
			if err != nil {
				t.Fatalf("RewriteQuery() error = %v", err)
			}
			if rw.Query != tt.wantQuery {
				t.Errorf("RewriteQuery().Query = %q, want %q", rw.Query, tt.wantQuery)
			}
			if len(rw.SubQueries) != tt.wantSubs {
				t.Errorf("RewriteQuery().SubQueries = %v, want %d entries", rw.SubQueries, tt.wantSubs)
			}
		})
	}
}

type mapSettings map[string]string

func (m mapSettings) Get(_ context.Context, key string) (string, error) {
	if v, ok := m[key]; ok {
		return v, nil
	}
	return "", vfserr.NotFound("settings.get", key)
}

func TestAssignmentCache(t *testing.T) {
	ctx := context.Background()
	settings := mapSettings{KeyRerankerModel: "bge-reranker"}
	cache := NewAssignmentCache(Assignments{EmbeddingModelID: "nomic", RerankerModelID: "default-reranker"}, settings)

	got, err := cache.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.EmbeddingModelID != "nomic" || got.RerankerModelID != "bge-reranker" {
		t.Errorf("Get() = %+v, want settings override on reranker only", got)
	}

	settings[KeyEmbeddingModel] = "e5"
	if got, _ := cache.Get(ctx); got.EmbeddingModelID != "nomic" {
		t.Errorf("Get() before Invalidate = %q, want cached nomic", got.EmbeddingModelID)
	}
	cache.Invalidate()
	if got, _ := cache.Get(ctx); got.EmbeddingModelID != "e5" {
		t.Errorf("Get() after Invalidate = %q, want e5", got.EmbeddingModelID)
	}

	cache.Set(Assignments{EmbeddingModelID: "manual"})
	if got, _ := cache.Get(ctx); got.EmbeddingModelID != "manual" || got.EmbeddingModel("multimodal") != "" {
		t.Errorf("Get() after Set = %+v", got)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "auth", err: &Error{Kind: ErrAuth}, want: false},
		{name: "quota", err: &Error{Kind: ErrQuota}, want: false},
		{name: "timeout", err: &Error{Kind: ErrTimeout}, want: true},
		{name: "unavailable", err: &Error{Kind: ErrUnavailable, Status: 503}, want: true},
		{name: "bad response body", err: &Error{Kind: ErrBadResponse}, want: true},
		{name: "client error", err: &Error{Kind: ErrBadResponse, Status: 422}, want: false},
		{name: "wrapped", err: errors.Join(errors.New("batch 2"), &Error{Kind: ErrAuth}), want: false},
		{name: "plain error", err: errors.New("boom"), want: true},
		{name: "canceled", err: context.Canceled, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
