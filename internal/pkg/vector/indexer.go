package vector

import (
	"context"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/persistence"
)

// Upserter writes chunk rows with embeddings
type Upserter interface {
	Upsert(ctx context.Context, chunks []Chunk, embeddings [][]float32) error
}

// Indexer chunks a transcript, embeds the chunks and upserts them
type Indexer struct {
	embedder Embedder
	store    Upserter
}

//NewIndexer creates the indexer
func NewIndexer(embedder Embedder, store Upserter) *Indexer {
	return &Indexer{embedder: embedder, store: store}
}

// Index writes all chunks of a transcript and returns the chunk count.
// Upserting chunk by chunk keeps a rerun idempotent - doc ids are
// deterministic.
func (ix *Indexer) Index(ctx context.Context, transcriptID string, segments []persistence.Segment) (int, error) {
	chunks := SplitSegments(transcriptID, segments)
	if len(chunks) == 0 {
		return 0, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	embeddings, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}
	if err := ix.store.Upsert(ctx, chunks, embeddings); err != nil {
		return 0, err
	}
	cmdapp.Log.Infof("Indexed %d chunks for transcript %s", len(chunks), transcriptID)
	return len(chunks), nil
}
