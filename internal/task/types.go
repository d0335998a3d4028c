package task

import "time"

// Status tracks a task through its lifecycle state machine.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDelayed   Status = "delayed"
	StatusEscalated Status = "escalated"
	StatusRejected  Status = "rejected"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusRejected
}

// Origin identifies who or what created a task.
type Origin string

const (
	OriginUser     Origin = "user"
	OriginSchedule Origin = "schedule"
	OriginWebhook  Origin = "webhook"
)

// Fallback is the action applied when a delayed or pending task's
// deadline passes without a human decision.
type Fallback string

const (
	FallbackEscalate   Fallback = "escalate"
	FallbackAutoReject Fallback = "auto-reject"
	FallbackAutoRun    Fallback = "auto-run"
)

// Task is a unit of work tracked through the lifecycle state machine.
// All mutations go through the engine's transition functions.
type Task struct {
	ID               string         `json:"id"`
	Type             string         `json:"type"`
	Status           Status         `json:"status"`
	Input            map[string]any `json:"input"`
	Result           map[string]any `json:"result,omitempty"`
	ErrorDetail      string         `json:"error_detail,omitempty"`
	Origin           Origin         `json:"origin"`
	Tags             []string       `json:"tags,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	CancelRequested  bool           `json:"cancel_requested"`
	RetryCount       int            `json:"retry_count"`
	WorkerID         string         `json:"worker_id,omitempty"`
	LeaseExpiresAt   *time.Time     `json:"lease_expires_at,omitempty"`
	DelayedUntil     *time.Time     `json:"delayed_until,omitempty"`
	DelayFallback    Fallback       `json:"delay_fallback,omitempty"`
	Archived         bool           `json:"archived"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}

// InboxEntry is a task awaiting a human decision before it may run.
type InboxEntry struct {
	ID        string     `json:"id"`
	TaskID    string     `json:"task_id"`
	Summary   string     `json:"summary"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Fallback  Fallback   `json:"fallback"`
	Resolved  bool       `json:"resolved"`
	Decision  string     `json:"decision,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Schedule is a recurring task definition persisted in the durable store.
type Schedule struct {
	ID        string         `json:"id"`
	TaskType  string         `json:"task_type"`
	Input     map[string]any `json:"input"`
	Interval  time.Duration  `json:"interval"`
	NextRunAt time.Time      `json:"next_run_at"`
	Enabled   bool           `json:"enabled"`
	CreatedAt time.Time      `json:"created_at"`
}
