package sqlite

import (
	"database/sql"
	"time"

	"github.com/icastillejo/vimeoarc/internal/storage"
)

// HistoryRepository persists terminal download outcomes in SQLite.
type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(db *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// RecordOutcome appends one terminal outcome.
func (r *HistoryRepository) RecordOutcome(rec storage.HistoryRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO download_history (job_id, run_id, filename, outcome, bytes, duration_ms, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.JobID, rec.RunID, rec.Filename, rec.Outcome, rec.Bytes,
		rec.Duration.Milliseconds(), rec.Error, rec.FinishedAt.Format(time.RFC3339))

	return err
}

// OutcomesByRun returns every outcome recorded under a run id.
func (r *HistoryRepository) OutcomesByRun(runID string) ([]storage.HistoryRecord, error) {
	rows, err := r.db.Query(`
		SELECT job_id, run_id, filename, outcome, bytes, duration_ms, error, finished_at
		FROM download_history WHERE run_id = ? ORDER BY finished_at
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.HistoryRecord

	for rows.Next() {
		var (
			rec        storage.HistoryRecord
			durationMS int64
			errMsg     sql.NullString
			finishedAt string
		)

		if err := rows.Scan(&rec.JobID, &rec.RunID, &rec.Filename, &rec.Outcome,
			&rec.Bytes, &durationMS, &errMsg, &finishedAt); err != nil {
			return nil, err
		}

		rec.Duration = time.Duration(durationMS) * time.Millisecond

		if errMsg.Valid {
			rec.Error = errMsg.String
		}

		if ts, err := time.Parse(time.RFC3339, finishedAt); err == nil {
			rec.FinishedAt = ts
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// CompletedJobIDs returns the set of job ids that ever finished successfully.
func (r *HistoryRepository) CompletedJobIDs() (map[string]struct{}, error) {
	rows, err := r.db.Query(`SELECT DISTINCT job_id FROM download_history WHERE outcome IN ('downloaded', 'skipped')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}

		ids[id] = struct{}{}
	}

	return ids, rows.Err()
}
