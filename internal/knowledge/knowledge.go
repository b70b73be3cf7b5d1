package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CollResults is the collection holding consolidated results of completed
// tasks, searchable by later tasks.
const CollResults = "task_results"

// Result is one retrieval hit from the knowledge base.
type Result struct {
	Content string
	TaskID  string
	Score   float32
}

// Config holds knowledge base configuration.
type Config struct {
	Qdrant    QdrantConfig    `json:"qdrant"`
	Embedding EmbeddingConfig `json:"embedding"`
}

// Base indexes completed task results and serves similarity search over
// them, so researchers can reuse prior work instead of starting cold.
type Base struct {
	embedder Embedder
	vectors  *vectorClient
	logger   *zap.Logger
}

// NewBase connects the embedding provider and the vector store and ensures
// the results collection exists.
func NewBase(ctx context.Context, cfg Config, logger *zap.Logger) (*Base, error) {
	embedder := NewAPIEmbedder(cfg.Embedding)
	vectors, err := newVectorClient(cfg.Qdrant)
	if err != nil {
		return nil, err
	}

	dim := uint64(embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	if err := vectors.ensureCollection(ctx, CollResults, dim); err != nil {
		vectors.close()
		return nil, fmt.Errorf("init collection: %w", err)
	}
	return &Base{embedder: embedder, vectors: vectors, logger: logger}, nil
}

// IndexResult embeds a completed task's consolidated result and stores it.
func (b *Base) IndexResult(ctx context.Context, taskID, query, result string) error {
	vecs, err := b.embedder.Embed(ctx, []string{result})
	if err != nil {
		return fmt.Errorf("embed result: %w", err)
	}
	if len(vecs) == 0 {
		return fmt.Errorf("empty embedding result")
	}

	payload := map[string]string{
		"task_id":    taskID,
		"query":      query,
		"content":    result,
		"indexed_at": time.Now().UTC().Format(time.RFC3339),
	}
	return b.vectors.upsert(ctx, CollResults, uuid.New().String(), vecs[0], payload)
}

// Search embeds the query and returns the top-K most similar prior results.
func (b *Base) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	vecs, err := b.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, nil
	}

	hits, err := b.vectors.search(ctx, CollResults, vecs[0], uint64(topK))
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			Content: h.Payload["content"],
			TaskID:  h.Payload["task_id"],
			Score:   h.Score,
		})
	}
	return results, nil
}

// Close tears down the vector store connection.
func (b *Base) Close() error {
	return b.vectors.close()
}
