package vectordb

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Embedder turns query text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever answers text queries against the context collection
type Retriever struct {
	client   *Client
	embedder Embedder
}

// NewRetriever pairs a Qdrant client with an embedder
func NewRetriever(client *Client, embedder Embedder) *Retriever {
	return &Retriever{client: client, embedder: embedder}
}

// Search returns up to k documents most related to query, best first.
// An empty result is not an error.
func (r *Retriever) Search(ctx context.Context, query string, k int) ([]Document, error) {
	if r == nil || !r.client.Enabled() {
		return []Document{}, nil
	}
	if k <= 0 {
		return []Document{}, nil
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	docs, err := r.client.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	if len(docs) > k {
		docs = docs[:k]
	}
	return docs, nil
}

// Index splits text into chunks and upserts them with source metadata.
// It returns the number of chunks written.
func (r *Retriever) Index(ctx context.Context, source, text string, maxChunk int) (int, error) {
	chunks := Chunk(text, maxChunk)
	if len(chunks) == 0 {
		return 0, nil
	}
	vecs, err := r.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	items := make([]UpsertItem, len(chunks))
	for i, chunk := range chunks {
		items[i] = UpsertItem{
			ID:     uuid.NewString(),
			Vector: vecs[i],
			Payload: map[string]any{
				"content":  chunk,
				"source":   source,
				"chunk_id": fmt.Sprintf("%s#%d", source, i+1),
			},
		}
	}
	if _, err := r.client.Upsert(ctx, items); err != nil {
		return 0, err
	}
	return len(items), nil
}

// Chunk splits text on blank lines and packs paragraphs into chunks of at
// most maxChunk bytes. A single longer paragraph becomes its own chunk.
func Chunk(text string, maxChunk int) []string {
	if maxChunk <= 0 {
		maxChunk = 1000
	}
	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+2 > maxChunk {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return out
}
