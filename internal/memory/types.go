package memory

import "time"

// Document is a named knowledge artifact decomposed into chunks.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Project   string    `json:"project"`
	Author    string    `json:"author"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chunk is a bounded span of a document's text. Its embedding lives in the
// vector index, keyed by the chunk ID.
type Chunk struct {
	ID         string `json:"id"`
	DocumentID string `json:"document_id"`
	Position   int    `json:"position"`
	Content    string `json:"content"`
	Section    string `json:"section,omitempty"`
}

// Record is an atomic logged event: task transition, chat turn, system note.
type Record struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	Source    string    `json:"source,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session groups related records into a conversation thread.
type Session struct {
	ID           string    `json:"id"`
	Participant  string    `json:"participant"`
	Summary      string    `json:"summary,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Hit is a single retrieval result. LowConfidence marks results produced by
// the keyword fallback path rather than vector similarity.
type Hit struct {
	Chunk         Chunk   `json:"chunk"`
	Score         float32 `json:"score"`
	LowConfidence bool    `json:"low_confidence,omitempty"`
}

// Filters narrows a query to a project, tag or time range.
type Filters struct {
	Project string     `json:"project,omitempty"`
	Tag     string     `json:"tag,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
}
