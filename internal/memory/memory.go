// Package memory provides the retrieval layer: documents chunked and
// embedded into a vector index, an append-only record log, and similarity
// search with a keyword fallback. Retrieval is best-effort acceleration —
// no engine correctness property depends on it returning any particular
// result.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nidhogg/foreman/internal/embedding"
	"github.com/nidhogg/foreman/internal/vectorstore"
	"go.uber.org/zap"
)

// DocumentBackend is the durable document/chunk storage, implemented by the
// Postgres store.
type DocumentBackend interface {
	InsertDocument(ctx context.Context, d *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	ReplaceChunks(ctx context.Context, docID, content string, chunks []Chunk) error
	ChunksByDocument(ctx context.Context, docID string) ([]Chunk, error)
	GetChunks(ctx context.Context, ids []string) ([]Chunk, error)
	KeywordSearchChunks(ctx context.Context, text string, f Filters, limit int) ([]Chunk, error)
}

// RecordBackend is the durable record/session storage, implemented by the
// Postgres store.
type RecordBackend interface {
	InsertRecord(ctx context.Context, r *Record) error
	FindOrCreateSession(ctx context.Context, participant string) (*Session, error)
	RecordsBySession(ctx context.Context, sessionID string, limit int) ([]Record, error)
	StaleSessions(ctx context.Context, activeSince time.Time, limit int) ([]Session, error)
	UpdateSessionSummary(ctx context.Context, sessionID, summary string) error
}

// VectorIndex is the similarity index, implemented by the Qdrant client.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	UpsertBatch(ctx context.Context, collection string, points []vectorstore.Point) error
	DeleteByPayload(ctx context.Context, collection, field, value string) error
	Search(ctx context.Context, collection string, vector []float32, topK uint64, filterField, filterValue string) ([]*vectorstore.SearchResult, error)
}

// Config holds memory layer tunables.
type Config struct {
	ChunkSize  int    // approximate tokens per chunk
	Collection string // vector index collection name
	TopK       int    // default query result count
	BufferSize int    // record retry buffer capacity
}

// Store coordinates chunking, embedding, vector search and the record log.
type Store struct {
	docs     DocumentBackend
	records  RecordBackend
	index    VectorIndex
	embedder embedding.Provider
	chunker  *Chunker
	cfg      Config
	logger   *zap.Logger

	retry chan Record
}

// NewStore creates the memory store facade. index and embedder may be nil,
// in which case every query takes the keyword fallback path.
func NewStore(docs DocumentBackend, records RecordBackend, index VectorIndex, embedder embedding.Provider, cfg Config, logger *zap.Logger) *Store {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Collection == "" {
		cfg.Collection = "chunks"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	return &Store{
		docs:     docs,
		records:  records,
		index:    index,
		embedder: embedder,
		chunker:  NewChunker(cfg.ChunkSize),
		cfg:      cfg,
		logger:   logger,
		retry:    make(chan Record, cfg.BufferSize),
	}
}

// Init ensures the vector collection exists.
func (s *Store) Init(ctx context.Context) error {
	if s.index == nil || s.embedder == nil {
		return nil
	}
	dim := uint64(s.embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	if err := s.index.EnsureCollection(ctx, s.cfg.Collection, dim); err != nil {
		return fmt.Errorf("init collection %s: %w", s.cfg.Collection, err)
	}
	return nil
}

// WriteDocument stores a document, splits it into chunks, embeds each chunk
// and indexes the vectors. Indexing failures degrade retrieval, not storage:
// the document and chunks are durable regardless.
func (s *Store) WriteDocument(ctx context.Context, title, content, project, author string, tags []string) (string, error) {
	doc := &Document{Title: title, Content: content, Project: project, Author: author, Tags: tags}
	if err := s.docs.InsertDocument(ctx, doc); err != nil {
		return "", err
	}

	chunks := s.chunker.Split(content)
	if err := s.docs.ReplaceChunks(ctx, doc.ID, content, chunks); err != nil {
		return "", err
	}

	if err := s.indexChunks(ctx, doc, chunks); err != nil {
		s.logger.Warn("chunk indexing failed, keyword fallback only",
			zap.String("document", doc.ID), zap.Error(err))
	}
	return doc.ID, nil
}

// UpdateDocument replaces a document's content and regenerates every chunk
// and vector. Old vectors are discarded first so no stale chunk survives.
func (s *Store) UpdateDocument(ctx context.Context, docID, content string) error {
	doc, err := s.docs.GetDocument(ctx, docID)
	if err != nil {
		return err
	}

	chunks := s.chunker.Split(content)
	if err := s.docs.ReplaceChunks(ctx, docID, content, chunks); err != nil {
		return err
	}
	doc.Content = content

	if s.index != nil {
		if err := s.index.DeleteByPayload(ctx, s.cfg.Collection, "document_id", docID); err != nil {
			s.logger.Warn("stale vector cleanup failed", zap.String("document", docID), zap.Error(err))
		}
	}
	if err := s.indexChunks(ctx, doc, chunks); err != nil {
		s.logger.Warn("chunk indexing failed, keyword fallback only",
			zap.String("document", docID), zap.Error(err))
	}
	return nil
}

func (s *Store) indexChunks(ctx context.Context, doc *Document, chunks []Chunk) error {
	if s.index == nil || s.embedder == nil || len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(chunks))
	}

	points := make([]vectorstore.Point, len(chunks))
	for i, c := range chunks {
		points[i] = vectorstore.Point{
			ID:     c.ID,
			Vector: vectors[i],
			Payload: map[string]string{
				"document_id": doc.ID,
				"project":     doc.Project,
				"position":    strconv.Itoa(c.Position),
			},
		}
	}
	return s.index.UpsertBatch(ctx, s.cfg.Collection, points)
}

// Query embeds the text and returns the top-k chunks by similarity. When the
// embedding backend or index is unavailable it falls back to a keyword match
// over chunk text, with hits marked low-confidence.
func (s *Store) Query(ctx context.Context, text string, filters Filters, k int) ([]Hit, error) {
	if k <= 0 {
		k = s.cfg.TopK
	}

	hits, err := s.vectorQuery(ctx, text, filters, k)
	if err == nil {
		return hits, nil
	}
	s.logger.Warn("vector query failed, using keyword fallback", zap.Error(err))

	chunks, kwErr := s.docs.KeywordSearchChunks(ctx, text, filters, k)
	if kwErr != nil {
		return nil, fmt.Errorf("keyword fallback: %w", kwErr)
	}
	fallback := make([]Hit, 0, len(chunks))
	for _, c := range chunks {
		fallback = append(fallback, Hit{Chunk: c, Score: 0, LowConfidence: true})
	}
	return fallback, nil
}

func (s *Store) vectorQuery(ctx context.Context, text string, filters Filters, k int) ([]Hit, error) {
	if s.index == nil || s.embedder == nil {
		return nil, fmt.Errorf("vector index not configured")
	}
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}

	var filterField, filterValue string
	if filters.Project != "" {
		filterField, filterValue = "project", filters.Project
	}
	results, err := s.index.Search(ctx, s.cfg.Collection, vectors[0], uint64(k), filterField, filterValue)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	ids := make([]string, 0, len(results))
	scores := make(map[string]float32, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
		scores[r.ID] = r.Score
	}
	chunks, err := s.docs.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate chunks: %w", err)
	}

	hits := make([]Hit, 0, len(chunks))
	for _, c := range chunks {
		hits = append(hits, Hit{Chunk: c, Score: scores[c.ID]})
	}
	return s.filterByDocument(ctx, hits, filters)
}

// filterByDocument applies the tag and time constraints, which live on the
// parent document rather than in the vector payload.
func (s *Store) filterByDocument(ctx context.Context, hits []Hit, f Filters) ([]Hit, error) {
	if f.Tag == "" && f.Since == nil {
		return hits, nil
	}
	docs := make(map[string]*Document)
	kept := hits[:0]
	for _, h := range hits {
		doc, ok := docs[h.Chunk.DocumentID]
		if !ok {
			var err error
			doc, err = s.docs.GetDocument(ctx, h.Chunk.DocumentID)
			if err != nil {
				return nil, fmt.Errorf("filter hit %s: %w", h.Chunk.ID, err)
			}
			docs[h.Chunk.DocumentID] = doc
		}
		if f.Tag != "" && !hasTag(doc.Tags, f.Tag) {
			continue
		}
		if f.Since != nil && doc.UpdatedAt.Before(*f.Since) {
			continue
		}
		kept = append(kept, h)
	}
	return kept, nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

// Retrieve returns the top-k chunk texts for a query, used by flow nodes
// with the use-of-memory flag.
func (s *Store) Retrieve(ctx context.Context, query string, k int) ([]string, error) {
	hits, err := s.Query(ctx, query, Filters{}, k)
	if err != nil {
		return nil, err
	}
	texts := make([]string, 0, len(hits))
	for _, h := range hits {
		texts = append(texts, h.Chunk.Content)
	}
	return texts, nil
}

// Log appends a record. It always succeeds locally: when the durable backend
// is unavailable the record enters a retry buffer flushed in the background.
// A drop (buffer overflow) is logged at error level, never silent.
func (s *Store) Log(ctx context.Context, r Record) {
	if err := s.records.InsertRecord(ctx, &r); err == nil {
		return
	}
	select {
	case s.retry <- r:
		s.logger.Warn("record buffered for retry", zap.String("record", r.ID))
	default:
		s.logger.Error("record dropped, retry buffer full",
			zap.String("record", r.ID), zap.String("content", r.Content))
	}
}

// LogTurn appends a conversation record to the participant's session.
func (s *Store) LogTurn(ctx context.Context, participant, content string, tags []string) error {
	sess, err := s.records.FindOrCreateSession(ctx, participant)
	if err != nil {
		return err
	}
	s.Log(ctx, Record{Content: content, Tags: tags, Source: "chat", SessionID: sess.ID})
	return nil
}

// Run flushes the retry buffer until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushRetries(ctx)
		}
	}
}

func (s *Store) flushRetries(ctx context.Context) {
	for {
		select {
		case r := <-s.retry:
			if err := s.records.InsertRecord(ctx, &r); err != nil {
				// Still down: put it back and stop this round.
				select {
				case s.retry <- r:
				default:
					s.logger.Error("record dropped, retry buffer full", zap.String("record", r.ID))
				}
				return
			}
		default:
			return
		}
	}
}
