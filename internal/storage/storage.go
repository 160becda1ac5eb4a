package storage

import "time"

// HistoryRecord is one terminal download outcome. Unlike the resume ledger,
// history is append-only and survives across runs.
type HistoryRecord struct {
	JobID      string        `json:"jobId"`
	RunID      string        `json:"runId"`
	Filename   string        `json:"filename"`
	Outcome    string        `json:"outcome"`
	Bytes      int64         `json:"bytes"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// HistoryWriteRepository records terminal outcomes.
type HistoryWriteRepository interface {
	RecordOutcome(rec HistoryRecord) error
}

// HistoryReadRepository reads past outcomes back.
type HistoryReadRepository interface {
	OutcomesByRun(runID string) ([]HistoryRecord, error)
	CompletedJobIDs() (map[string]struct{}, error)
}

// HistoryRepository combines both sides.
type HistoryRepository interface {
	HistoryWriteRepository
	HistoryReadRepository
}
