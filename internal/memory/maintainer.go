package memory

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Summarizer produces a rolling summary from recent session records.
// A model-backed implementation is optional; the fallback is extractive.
type Summarizer func(ctx context.Context, records []Record) (string, error)

// Maintainer refreshes session summaries asynchronously so no interactive
// path blocks on summarization.
type Maintainer struct {
	store     *Store
	summarize Summarizer
	interval  time.Duration
	logger    *zap.Logger
}

// NewMaintainer creates a Maintainer. summarize may be nil, in which case an
// extractive fallback is used.
func NewMaintainer(store *Store, summarize Summarizer, interval time.Duration, logger *zap.Logger) *Maintainer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if summarize == nil {
		summarize = extractiveSummary
	}
	return &Maintainer{store: store, summarize: summarize, interval: interval, logger: logger}
}

// Run refreshes summaries on a fixed cadence until ctx is cancelled.
func (m *Maintainer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce summarizes sessions active within the last maintenance window.
func (m *Maintainer) RefreshOnce(ctx context.Context) {
	sessions, err := m.store.records.StaleSessions(ctx, time.Now().Add(-m.interval), 20)
	if err != nil {
		m.logger.Warn("list sessions for summarization failed", zap.Error(err))
		return
	}
	for _, sess := range sessions {
		records, err := m.store.records.RecordsBySession(ctx, sess.ID, 50)
		if err != nil || len(records) == 0 {
			continue
		}
		summary, err := m.summarize(ctx, records)
		if err != nil {
			m.logger.Warn("summarize session failed", zap.String("session", sess.ID), zap.Error(err))
			continue
		}
		if err := m.store.records.UpdateSessionSummary(ctx, sess.ID, summary); err != nil {
			m.logger.Warn("store session summary failed", zap.String("session", sess.ID), zap.Error(err))
		}
	}
}

// extractiveSummary is the no-model fallback: the first line of each of the
// most recent records, newest first, capped.
func extractiveSummary(_ context.Context, records []Record) (string, error) {
	const maxLines = 10
	var lines []string
	for _, r := range records {
		line := r.Content
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			line = line[:i]
		}
		if len(line) > 140 {
			line = line[:140]
		}
		lines = append(lines, "- "+line)
		if len(lines) == maxLines {
			break
		}
	}
	return strings.Join(lines, "\n"), nil
}
