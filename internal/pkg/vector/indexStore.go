package vector

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/utils"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"
)

const indexTable = "video_transcripts"

// SearchHit is one retrieved chunk with its distance score
type SearchHit struct {
	DocID          string
	TranscriptID   string
	ChunkIndex     int
	Content        string
	SegmentIndices []int
	StartTime      float64
	EndTime        float64
	Score          float64
}

// IndexStore keeps transcript chunks and their embeddings in postgres
type IndexStore struct {
	pool *pgxpool.Pool
	dim  int
}

//NewIndexStore connects to postgres and makes sure the table exists
func NewIndexStore(dim int) (*IndexStore, error) {
	url := cmdapp.Config.GetString("postgres.url")
	if url == "" {
		return nil, errors.New("no postgres.url configured")
	}
	ctx, cancel := pgContext()
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "Can't connect to postgres")
	}
	res := &IndexStore{pool: pool, dim: dim}
	if err := res.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	cmdapp.Log.Infof("Vector index ready, table %s", indexTable)
	return res, nil
}

func (st *IndexStore) ensureSchema(ctx context.Context) error {
	if _, err := st.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return errors.Wrap(err, "Can't create vector extension")
	}
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		doc_id TEXT PRIMARY KEY,
		transcript_id TEXT NOT NULL,
		chunk_index INT NOT NULL,
		content TEXT NOT NULL,
		segment_indices INT[] NOT NULL,
		start_time DOUBLE PRECISION NOT NULL,
		end_time DOUBLE PRECISION NOT NULL,
		embedding vector(%d) NOT NULL
	)`, indexTable, st.dim)
	if _, err := st.pool.Exec(ctx, q); err != nil {
		return errors.Wrap(err, "Can't create index table")
	}
	qi := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_transcript_idx ON %s (transcript_id)", indexTable, indexTable)
	if _, err := st.pool.Exec(ctx, qi); err != nil {
		return errors.Wrap(err, "Can't create transcript index")
	}
	return nil
}

// Upsert writes chunks with their embeddings, replacing rows with the same doc_id
func (st *IndexStore) Upsert(ctx context.Context, chunks []Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return errors.Wrapf(utils.ErrPersistence, "chunks %d vs embeddings %d", len(chunks), len(embeddings))
	}
	q := fmt.Sprintf(`INSERT INTO %s
		(doc_id, transcript_id, chunk_index, content, segment_indices, start_time, end_time, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (doc_id) DO UPDATE SET
		content = EXCLUDED.content, segment_indices = EXCLUDED.segment_indices,
		start_time = EXCLUDED.start_time, end_time = EXCLUDED.end_time,
		embedding = EXCLUDED.embedding`, indexTable)
	for i, c := range chunks {
		if _, err := st.pool.Exec(ctx, q, c.DocID, c.TranscriptID, c.ChunkIndex, c.Content,
			c.SegmentIndices, c.StartTime, c.EndTime, pgvector.NewVector(embeddings[i])); err != nil {
			return errors.Wrapf(err, "Can't upsert chunk %s", c.DocID)
		}
	}
	return nil
}

// Search returns up to limit chunks closest to the query embedding by
// cosine distance. transcriptIDs narrows the search when not empty.
func (st *IndexStore) Search(ctx context.Context, embedding []float32, transcriptIDs []string, limit int) ([]SearchHit, error) {
	q := fmt.Sprintf(`SELECT doc_id, transcript_id, chunk_index, content, segment_indices,
		start_time, end_time, embedding <=> $1 AS score FROM %s`, indexTable)
	args := []interface{}{pgvector.NewVector(embedding)}
	if len(transcriptIDs) > 0 {
		q += " WHERE transcript_id = ANY($2)"
		args = append(args, transcriptIDs)
	}
	q += fmt.Sprintf(" ORDER BY score LIMIT %d", limit)
	rows, err := st.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "Can't search index")
	}
	defer rows.Close()
	res := make([]SearchHit, 0, limit)
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.DocID, &h.TranscriptID, &h.ChunkIndex, &h.Content,
			&h.SegmentIndices, &h.StartTime, &h.EndTime, &h.Score); err != nil {
			return nil, errors.Wrap(err, "Can't scan search hit")
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// GetDoc fetches one chunk by its doc_id
func (st *IndexStore) GetDoc(ctx context.Context, docID string) (*SearchHit, error) {
	q := fmt.Sprintf(`SELECT doc_id, transcript_id, chunk_index, content, segment_indices,
		start_time, end_time FROM %s WHERE doc_id = $1`, indexTable)
	var h SearchHit
	err := st.pool.QueryRow(ctx, q, docID).Scan(&h.DocID, &h.TranscriptID, &h.ChunkIndex,
		&h.Content, &h.SegmentIndices, &h.StartTime, &h.EndTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "Can't get doc %s", docID)
	}
	return &h, nil
}

// DeleteByTranscript removes all chunks of one transcript
func (st *IndexStore) DeleteByTranscript(ctx context.Context, transcriptID string) (int64, error) {
	q := fmt.Sprintf("DELETE FROM %s WHERE transcript_id = $1", indexTable)
	tag, err := st.pool.Exec(ctx, q, transcriptID)
	if err != nil {
		return 0, errors.Wrapf(err, "Can't delete chunks of %s", transcriptID)
	}
	return tag.RowsAffected(), nil
}

// Healthy checks the postgres connection
func (st *IndexStore) Healthy() error {
	ctx, cancel := pgContext()
	defer cancel()
	return st.pool.Ping(ctx)
}

// Close releases the pool
func (st *IndexStore) Close() {
	st.pool.Close()
}

func pgContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
