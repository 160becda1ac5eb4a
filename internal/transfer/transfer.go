// Package transfer implements the resumable transfer state machine. A job
// either skips (destination already complete), resumes a partial staging
// file via a ranged request, or starts fresh; bytes stream into the staging
// file and the final file is published with an atomic rename.
package transfer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/icastillejo/vimeoarc/internal/classify"
	"github.com/icastillejo/vimeoarc/internal/ledger"
	"github.com/icastillejo/vimeoarc/internal/logctx"
	"github.com/icastillejo/vimeoarc/internal/retry"
	"github.com/icastillejo/vimeoarc/internal/transfer/progress"
)

const (
	// PartialSuffix marks the staging file next to the final destination.
	PartialSuffix = ".partial"

	// minPartialSize is the corruption floor: a partial smaller than this
	// (and smaller than the expected size) is deleted rather than resumed.
	minPartialSize = 1024

	dirPerm = 0o755
)

// Job identifies one file to fetch. The ID derives from the remote resource
// URI, not the filename, so remote renames do not break resume.
type Job struct {
	ID           string
	URL          string
	DestPath     string
	ExpectedSize int64
}

// Filename returns the destination base name.
func (j Job) Filename() string {
	return filepath.Base(j.DestPath)
}

// JobID derives a stable job identifier from a resource URI.
func JobID(uri string) string {
	sum := sha1.Sum([]byte(uri))

	return hex.EncodeToString(sum[:])
}

// Outcome is the terminal result of running a job.
type Outcome string

const (
	OutcomeDownloaded Outcome = "downloaded"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeFailed     Outcome = "failed"
)

// Manager drives jobs through the transfer state machine.
type Manager struct {
	client    *http.Client
	ledger    *ledger.Ledger
	policy    retry.Policy
	overwrite bool
}

func NewManager(client *http.Client, led *ledger.Ledger, policy retry.Policy, overwrite bool) *Manager {
	return &Manager{
		client:    client,
		ledger:    led,
		policy:    policy,
		overwrite: overwrite,
	}
}

// Run takes one job through skip/resume/fresh and streaming under the retry
// policy. A Failed outcome carries the terminal error; it is the caller's
// job to record it, not to abort sibling transfers.
func (m *Manager) Run(ctx context.Context, job Job) (Outcome, error) {
	logger := logctx.LoggerFromContext(ctx).With("job_id", job.ID, "file", job.Filename())

	if done, err := m.alreadyComplete(ctx, job); err != nil {
		return OutcomeFailed, err
	} else if done {
		logger.Debug("destination already complete, skipping")

		m.ledger.Start(job.ID, job.Filename(), job.ExpectedSize)
		m.ledger.Update(job.ID, job.ExpectedSize)

		if err := m.ledger.Complete(job.ID); err != nil {
			logger.Error("failed to flush ledger", "err", err)
		}

		return OutcomeSkipped, nil
	}

	staging := job.DestPath + PartialSuffix

	if promoted, err := m.promoteFinishedPartial(ctx, job, staging); err != nil {
		return OutcomeFailed, err
	} else if promoted {
		logger.Info("staging file already holds every byte, published without a network call")

		return OutcomeDownloaded, nil
	}

	m.ledger.Start(job.ID, job.Filename(), job.ExpectedSize)

	// resetToFresh flips when a resume attempt turns out invalid (416, or a
	// full-content reply to a ranged request); the next attempt then starts
	// from byte zero.
	resetToFresh := false

	err := retry.Do(ctx, m.policy, func(ctx context.Context) error {
		return m.attempt(ctx, job, staging, &resetToFresh)
	})
	if err != nil {
		if ferr := m.ledger.Fail(job.ID, err.Error()); ferr != nil {
			logger.Error("failed to flush ledger", "err", ferr)
		}

		return OutcomeFailed, err
	}

	return OutcomeDownloaded, nil
}

// alreadyComplete implements the Skipped entry state. With overwrite
// requested an existing final file is deleted instead.
func (m *Manager) alreadyComplete(ctx context.Context, job Job) (bool, error) {
	info, err := os.Stat(job.DestPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, classify.FromError("stat destination", err)
	}

	if m.overwrite {
		logctx.LoggerFromContext(ctx).Debug("overwrite requested, removing existing file", "path", job.DestPath)

		if err := os.Remove(job.DestPath); err != nil {
			return false, classify.FromError("remove destination", err)
		}

		return false, nil
	}

	if job.ExpectedSize > 0 {
		return info.Size() == job.ExpectedSize, nil
	}

	return info.Size() > 0, nil
}

// promoteFinishedPartial publishes a staging file that already holds the
// full expected size; Resuming short-circuits to Completed.
func (m *Manager) promoteFinishedPartial(ctx context.Context, job Job, staging string) (bool, error) {
	info, err := os.Stat(staging)
	if err != nil {
		return false, nil
	}

	if job.ExpectedSize <= 0 || info.Size() < job.ExpectedSize {
		return false, nil
	}

	if info.Size() > job.ExpectedSize {
		// Overshot staging file is inconsistent; start over.
		if err := os.Remove(staging); err != nil {
			return false, classify.FromError("remove staging file", err)
		}

		return false, nil
	}

	if err := os.Rename(staging, job.DestPath); err != nil {
		return false, classify.FromError("publish staging file", err)
	}

	m.ledger.Start(job.ID, job.Filename(), job.ExpectedSize)
	m.ledger.Update(job.ID, job.ExpectedSize)

	if err := m.ledger.Complete(job.ID); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to flush ledger", "err", err)
	}

	return true, nil
}

// attempt performs one streaming pass. Every error it returns is classified.
func (m *Manager) attempt(ctx context.Context, job Job, staging string, resetToFresh *bool) error {
	logger := logctx.LoggerFromContext(ctx).With("job_id", job.ID)

	var offset int64

	if *resetToFresh {
		*resetToFresh = false
	} else if info, err := os.Stat(staging); err == nil {
		if info.Size() > 0 && (job.ExpectedSize <= 0 || info.Size() < job.ExpectedSize) {
			offset = info.Size()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URL, nil)
	if err != nil {
		return classify.FromError("build download request", err)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		logger.Info("resuming download", "resume_offset", humanize.Bytes(uint64(offset)))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return classify.FromError("download", err)
	}
	defer resp.Body.Close()

	if offset > 0 && resp.StatusCode == http.StatusOK {
		// Full content despite a ranged request: the resume offset is
		// worthless. The partial stays on disk for inspection unless it is
		// implausibly small.
		m.removeCorruptPartial(job, staging)

		*resetToFresh = true

		return &classify.ClassifiedError{
			Category:    classify.CategoryServer,
			Message:     "server ignored range request, restarting from byte zero",
			StatusCode:  resp.StatusCode,
			ResumeReset: true,
		}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		cerr := classify.FromResponse("download", resp)
		if cerr.ResumeReset {
			m.removeCorruptPartial(job, staging)

			*resetToFresh = true
		}

		return cerr
	}

	written, err := m.stream(ctx, job, staging, resp.Body, offset)
	if err != nil {
		m.removeCorruptPartial(job, staging)

		return err
	}

	final := offset + written
	if job.ExpectedSize > 0 && final != job.ExpectedSize {
		if final > job.ExpectedSize {
			// The staging file cannot be trusted anymore.
			if rerr := os.Remove(staging); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				logger.Error("failed to remove overshot staging file", "err", rerr)
			}
		}

		return &classify.ClassifiedError{
			Category: classify.CategoryServer,
			Message: fmt.Sprintf("size mismatch: got %s, expected %s",
				humanize.Bytes(uint64(final)), humanize.Bytes(uint64(job.ExpectedSize))),
		}
	}

	if err := os.Rename(staging, job.DestPath); err != nil {
		return classify.FromError("publish downloaded file", err)
	}

	if err := m.ledger.Complete(job.ID); err != nil {
		logger.Error("failed to flush ledger", "err", err)
	}

	logger.Info("downloaded and saved file", "target", job.DestPath, "size", humanize.Bytes(uint64(final)))

	return nil
}

// stream copies the response body into the staging file, feeding the ledger
// after every chunk.
func (m *Manager) stream(ctx context.Context, job Job, staging string, body io.Reader, offset int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(staging), dirPerm); err != nil {
		return 0, classify.FromError("create target directory", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if offset > 0 {
		flags = os.O_WRONLY | os.O_APPEND
	}

	out, err := os.OpenFile(staging, flags, 0o644)
	if err != nil {
		return 0, classify.FromError("open staging file", err)
	}

	m.ledger.Update(job.ID, offset)

	pr := progress.NewReader(body, job.ExpectedSize, func(written, _ int64) {
		m.ledger.Update(job.ID, offset+written)
	})

	_, copyErr := io.Copy(out, pr)

	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = err
	}

	if copyErr != nil {
		return pr.Written(), classify.FromError("download stream", copyErr)
	}

	return pr.Written(), nil
}

// removeCorruptPartial drops a staging file too small to be worth resuming.
// The threshold is expected-size-aware so legitimately tiny files survive.
func (m *Manager) removeCorruptPartial(job Job, staging string) {
	info, err := os.Stat(staging)
	if err != nil {
		return
	}

	if info.Size() >= minPartialSize {
		return
	}

	if job.ExpectedSize > 0 && info.Size() >= job.ExpectedSize {
		return
	}

	_ = os.Remove(staging)
}
