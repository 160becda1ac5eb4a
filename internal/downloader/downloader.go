// Package downloader drives the whole run: it feeds prepared jobs through
// the transfer state machine, bounded by the concurrency limiter, and
// aggregates the outcomes.
package downloader

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/icastillejo/vimeoarc/internal/ledger"
	"github.com/icastillejo/vimeoarc/internal/limiter"
	"github.com/icastillejo/vimeoarc/internal/logctx"
	"github.com/icastillejo/vimeoarc/internal/storage"
	"github.com/icastillejo/vimeoarc/internal/telemetry"
	"github.com/icastillejo/vimeoarc/internal/transfer"
	"golang.org/x/sync/errgroup"
)

// Summary aggregates the outcomes of one run.
type Summary struct {
	Downloaded int
	Skipped    int
	Failed     int
	Bytes      int64
	Elapsed    time.Duration
}

// Throughput returns the average bytes per second of the run.
func (s Summary) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}

	return float64(s.Bytes) / s.Elapsed.Seconds()
}

// Downloader is the top-level orchestrator.
type Downloader struct {
	ledger    *ledger.Ledger
	limiter   *limiter.Limiter
	transfers *transfer.Manager
	history   storage.HistoryWriteRepository
	telemetry *telemetry.Telemetry
	runID     string
}

func NewDownloader(
	led *ledger.Ledger,
	lim *limiter.Limiter,
	transfers *transfer.Manager,
	history storage.HistoryWriteRepository,
	tel *telemetry.Telemetry,
	runID string,
) *Downloader {
	return &Downloader{
		ledger:    led,
		limiter:   lim,
		transfers: transfers,
		history:   history,
		telemetry: tel,
		runID:     runID,
	}
}

// DownloadAll runs every job to a terminal outcome. A failing job is
// recorded and counted; it never aborts its siblings. The error return is
// reserved for run-level problems such as a cancelled context.
func (d *Downloader) DownloadAll(ctx context.Context, jobs []transfer.Job) (*Summary, error) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("starting downloads",
		"job_count", len(jobs),
		"max_parallel", d.limiter.Cap(),
		"run_id", d.runID,
	)

	start := time.Now()

	var (
		mu      sync.Mutex
		summary Summary
	)

	wg, ctx := errgroup.WithContext(ctx)

	for i := range jobs {
		job := jobs[i]

		wg.Go(func() error {
			if err := d.limiter.Acquire(ctx); err != nil {
				// Run cancelled while queued; the job stays resumable.
				return err
			}
			defer d.limiter.Release()

			outcome, bytes := d.runJob(ctx, job)

			mu.Lock()
			switch outcome {
			case transfer.OutcomeDownloaded:
				summary.Downloaded++
				summary.Bytes += bytes
			case transfer.OutcomeSkipped:
				summary.Skipped++
			case transfer.OutcomeFailed:
				summary.Failed++
			}
			mu.Unlock()

			return nil
		})
	}

	if err := wg.Wait(); err != nil {
		return nil, err
	}

	summary.Elapsed = time.Since(start)

	d.logSummary(ctx, summary)

	return &summary, nil
}

// runJob takes one job to a terminal outcome and records it everywhere it
// needs recording. The byte count it returns covers this run only, so a
// resumed download contributes its delta, not the whole file.
func (d *Downloader) runJob(ctx context.Context, job transfer.Job) (transfer.Outcome, int64) {
	logger := logctx.LoggerFromContext(ctx).With("job_id", job.ID, "file", job.Filename())

	d.telemetry.IncrementActiveDownloads()
	defer d.telemetry.DecrementActiveDownloads()

	var bytesBefore int64
	if rec, ok := d.ledger.Get(job.ID); ok && rec.Status == ledger.StatusActive {
		bytesBefore = rec.BytesTransferred
	}

	started := time.Now()

	outcome, err := d.transfers.Run(ctx, job)
	if err != nil {
		logger.Error("download failed", "err", err, "outcome", string(outcome))
	}

	duration := time.Since(started)
	bytes := d.bytesStreamed(job.ID, bytesBefore, outcome)

	d.telemetry.RecordDownload(string(outcome), bytes, duration)

	if d.history != nil {
		rec := storage.HistoryRecord{
			JobID:      job.ID,
			RunID:      d.runID,
			Filename:   job.Filename(),
			Outcome:    string(outcome),
			Bytes:      bytes,
			Duration:   duration,
			FinishedAt: time.Now(),
		}

		if err != nil {
			rec.Error = err.Error()
		}

		if herr := d.history.RecordOutcome(rec); herr != nil {
			logger.Error("failed to record download history", "err", herr)
		}
	}

	return outcome, bytes
}

// bytesStreamed reads the ledger delta a job produced during this run. A
// skip streams nothing even though its ledger record jumps to complete.
func (d *Downloader) bytesStreamed(id string, before int64, outcome transfer.Outcome) int64 {
	if outcome != transfer.OutcomeDownloaded {
		return 0
	}

	rec, ok := d.ledger.Get(id)
	if !ok {
		return 0
	}

	delta := rec.BytesTransferred - before
	if delta < 0 {
		return 0
	}

	return delta
}

func (d *Downloader) logSummary(ctx context.Context, s Summary) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("run finished",
		"downloaded", s.Downloaded,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"total_bytes", humanize.Bytes(uint64(s.Bytes)),
		"elapsed", s.Elapsed.Round(time.Second).String(),
		"avg_throughput", humanize.Bytes(uint64(s.Throughput()))+"/s",
	)

	for _, rec := range d.ledger.Failed() {
		logger.Warn("download failed, run again to retry", "file", rec.Filename, "err", rec.Error)
	}

	for _, rec := range d.ledger.Incomplete() {
		logger.Warn("download incomplete, run again to resume",
			"file", rec.Filename,
			"progress", humanize.Bytes(uint64(rec.BytesTransferred))+"/"+humanize.Bytes(uint64(rec.TotalSize)),
		)
	}
}
