// Package ledger keeps a durable record of every known transfer so a run
// can resume after a crash. Records are held in memory and flushed to a
// JSON snapshot under the download root.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/icastillejo/vimeoarc/internal/logctx"
)

// Status is the lifecycle state of a Record.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const defaultFlushInterval = 5 * time.Second

// Record tracks the mutable state of one transfer, keyed by job id.
// BytesTransferred never decreases while the record is active.
type Record struct {
	ID               string     `json:"id"`
	Filename         string     `json:"filename"`
	TotalSize        int64      `json:"totalSize"`
	BytesTransferred int64      `json:"bytesTransferred"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	Status           Status     `json:"status"`
	Error            string     `json:"error,omitempty"`
}

type snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Downloads []*Record `json:"downloads"`
}

// Ledger is the in-memory record store plus its on-disk snapshot.
type Ledger struct {
	mu            sync.Mutex
	records       map[string]*Record
	path          string
	dirty         bool
	flushInterval time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithFlushInterval overrides the periodic flush cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.flushInterval = d
		}
	}
}

// New creates an empty ledger persisted at path.
func New(path string, opts ...Option) *Ledger {
	l := &Ledger{
		records:       make(map[string]*Record),
		path:          path,
		flushInterval: defaultFlushInterval,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Load reads the last snapshot and rehydrates records still active.
// Completed and failed records are historical and dropped. A missing
// snapshot is not an error.
func (l *Ledger) Load(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read ledger snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("failed to decode ledger snapshot: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	restored := 0

	for _, rec := range snap.Downloads {
		if rec.Status != StatusActive {
			continue
		}

		l.records[rec.ID] = rec
		restored++
	}

	logger.Info("restored in-progress downloads from ledger",
		"restored", restored,
		"snapshot_time", snap.Timestamp,
		"ledger_path", l.path,
	)

	return restored, nil
}

// Start creates an active record for the job, or revives an existing one.
// A non-terminal record for the same id keeps its byte count so resumed
// transfers report correctly. Terminal records are superseded by a fresh
// active record (restart-and-retry).
func (l *Ledger) Start(id, filename string, totalSize int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	if rec, ok := l.records[id]; ok && rec.Status == StatusActive {
		rec.Filename = filename
		rec.TotalSize = totalSize
		rec.UpdatedAt = now
		l.dirty = true

		return
	}

	l.records[id] = &Record{
		ID:        id,
		Filename:  filename,
		TotalSize: totalSize,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusActive,
	}
	l.dirty = true
}

// Update records cumulative transferred bytes for an active record.
func (l *Ledger) Update(id string, bytesSoFar int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok || rec.Status != StatusActive {
		return
	}

	if bytesSoFar < rec.BytesTransferred {
		return
	}

	rec.BytesTransferred = bytesSoFar
	rec.UpdatedAt = time.Now()
	l.dirty = true
}

// Complete finalizes a record and flushes the snapshot immediately.
func (l *Ledger) Complete(id string) error {
	l.mu.Lock()

	if rec, ok := l.records[id]; ok {
		now := time.Now()
		rec.Status = StatusCompleted
		rec.CompletedAt = &now
		rec.UpdatedAt = now

		if rec.TotalSize > 0 {
			rec.BytesTransferred = rec.TotalSize
		}

		l.dirty = true
	}

	l.mu.Unlock()

	return l.Flush()
}

// Fail marks a record failed and flushes the snapshot immediately.
func (l *Ledger) Fail(id, message string) error {
	l.mu.Lock()

	if rec, ok := l.records[id]; ok {
		now := time.Now()
		rec.Status = StatusFailed
		rec.Error = message
		rec.CompletedAt = &now
		rec.UpdatedAt = now
		l.dirty = true
	}

	l.mu.Unlock()

	return l.Flush()
}

// Get returns a copy of the record for id.
func (l *Ledger) Get(id string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return Record{}, false
	}

	return *rec, true
}

// All returns copies of every record.
func (l *Ledger) All() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}

	return out
}

// Incomplete returns copies of records still active.
func (l *Ledger) Incomplete() []Record {
	return l.filter(StatusActive)
}

// Failed returns copies of failed records.
func (l *Ledger) Failed() []Record {
	return l.filter(StatusFailed)
}

func (l *Ledger) filter(status Status) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record

	for _, rec := range l.records {
		if rec.Status == status {
			out = append(out, *rec)
		}
	}

	return out
}

// Flush writes the snapshot to disk if anything changed since the last
// flush. The write goes through a temp file and an atomic rename.
func (l *Ledger) Flush() error {
	l.mu.Lock()

	if !l.dirty {
		l.mu.Unlock()

		return nil
	}

	snap := snapshot{
		Timestamp: time.Now(),
		Downloads: make([]*Record, 0, len(l.records)),
	}

	for _, rec := range l.records {
		cp := *rec
		snap.Downloads = append(snap.Downloads, &cp)
	}

	l.dirty = false
	l.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		l.markDirty()

		return fmt.Errorf("failed to encode ledger snapshot: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		l.markDirty()

		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		l.markDirty()

		return fmt.Errorf("failed to write ledger snapshot: %w", err)
	}

	if err := os.Rename(tmp, l.path); err != nil {
		l.markDirty()

		return fmt.Errorf("failed to publish ledger snapshot: %w", err)
	}

	return nil
}

// markDirty re-arms the flush after a failed write so the next Flush does
// not mistake the snapshot for current.
func (l *Ledger) markDirty() {
	l.mu.Lock()
	l.dirty = true
	l.mu.Unlock()
}

// Run flushes the snapshot on a fixed timer until the context is cancelled.
// A final flush happens on the way out.
func (l *Ledger) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := l.Flush(); err != nil {
				logger.Error("final ledger flush failed", "err", err)
			}

			return
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				logger.Error("periodic ledger flush failed", "err", err)
			}
		}
	}
}

// Close flushes the ledger and, when nothing is left to resume, removes the
// snapshot file. Called synchronously on shutdown.
func (l *Ledger) Close(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := l.Flush(); err != nil {
		return err
	}

	if len(l.Incomplete()) > 0 {
		logger.Info("keeping ledger snapshot, downloads still incomplete", "ledger_path", l.path)

		return nil
	}

	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove ledger snapshot: %w", err)
	}

	logger.Debug("removed ledger snapshot, nothing left to resume")

	return nil
}
