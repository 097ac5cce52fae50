package storage

import (
	"context"
	"time"

	"github.com/dgnsrekt/tv_harvester/internal/metrics"
	"github.com/dgnsrekt/tv_harvester/internal/report"
)

const journalSubDir = "records"

// JournalEntry is one line of the record journal.
type JournalEntry struct {
	RunID      string                `json:"run_id"`
	Index      int                   `json:"index"`
	RecordedAt time.Time             `json:"recorded_at"`
	Row        report.Row            `json:"row"`
	Record     metrics.DerivedRecord `json:"record"`
}

// Journal streams one run's records to <dir>/<date>/records/<run id>.jsonl.
type Journal struct {
	w *JSONLWriter
}

// NewJournal opens a journal for runID.
func NewJournal(dir, runID string, maxSizeMB int) *Journal {
	return &Journal{w: NewJSONLWriter(dir, journalSubDir, runID, 256, maxSizeMB)}
}

// Append queues rec. It satisfies harvest.RecordSink.
func (j *Journal) Append(_ context.Context, runID string, index int, rec metrics.DerivedRecord) error {
	return j.w.Write(JournalEntry{
		RunID:      runID,
		Index:      index,
		RecordedAt: time.Now().UTC(),
		Row:        report.Flatten(rec),
		Record:     rec,
	})
}

// Path returns the journal file, empty until the first record is written.
func (j *Journal) Path() string { return j.w.Path() }

// Close flushes and closes the journal file.
func (j *Journal) Close() error { return j.w.Close() }
