package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icastillejo/vimeoarc/internal/classify"
	"github.com/icastillejo/vimeoarc/internal/ledger"
	"github.com/icastillejo/vimeoarc/internal/retry"
)

func testPolicy(retries int, onRetry func(int, error)) retry.Policy {
	return retry.Policy{
		MaxRetries: retries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2,
		OnRetry:    onRetry,
	}
}

func testManager(t *testing.T, policy retry.Policy, overwrite bool) (*Manager, *ledger.Ledger, string) {
	t.Helper()

	dir := t.TempDir()
	led := ledger.New(filepath.Join(dir, "downloads.json"))

	return NewManager(&http.Client{}, led, policy, overwrite), led, dir
}

func TestJobID_StableAndFilenameIndependent(t *testing.T) {
	a := JobID("/videos/123456")
	b := JobID("/videos/123456")
	c := JobID("/videos/654321")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 40)
}

func TestRun_SkipsCompleteDestinationWithoutNetworkCall(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m, led, dir := testManager(t, testPolicy(3, nil), false)

	content := bytes.Repeat([]byte("v"), 2048)
	dest := filepath.Join(dir, "video.mp4")
	require.NoError(t, os.WriteFile(dest, content, 0o644))

	job := Job{ID: JobID("/videos/1"), URL: srv.URL, DestPath: dest, ExpectedSize: 2048}

	outcome, err := m.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Zero(t, requests.Load(), "skip must not touch the network")

	rec, ok := led.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
	assert.Equal(t, int64(2048), rec.BytesTransferred)
}

func TestRun_FreshDownload(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 4096)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	m, led, dir := testManager(t, testPolicy(0, nil), false)

	dest := filepath.Join(dir, "clips", "video.mp4")
	job := Job{ID: JobID("/videos/2"), URL: srv.URL, DestPath: dest, ExpectedSize: int64(len(content))}

	outcome, err := m.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDownloaded, outcome)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	_, err = os.Stat(dest + PartialSuffix)
	assert.True(t, os.IsNotExist(err), "staging file must be gone after publish")

	rec, _ := led.Get(job.ID)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
	assert.Equal(t, int64(len(content)), rec.BytesTransferred)
}

func TestRun_ResumeSendsRangeFromPartialSize(t *testing.T) {
	full := bytes.Repeat([]byte("r"), 8192)
	partialSize := 5000

	var gotRange atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange.Store(r.Header.Get("Range"))

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", partialSize, len(full)-1, len(full)))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(full[partialSize:])
	}))
	defer srv.Close()

	m, led, dir := testManager(t, testPolicy(0, nil), false)

	dest := filepath.Join(dir, "video.mp4")
	require.NoError(t, os.WriteFile(dest+PartialSuffix, full[:partialSize], 0o644))

	job := Job{ID: JobID("/videos/3"), URL: srv.URL, DestPath: dest, ExpectedSize: int64(len(full))}

	outcome, err := m.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDownloaded, outcome)

	assert.Equal(t, fmt.Sprintf("bytes=%d-", partialSize), gotRange.Load())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, full, got)

	rec, _ := led.Get(job.ID)
	assert.Equal(t, int64(len(full)), rec.BytesTransferred)
}

func TestRun_FullContentOnRangedRequestPreservesLargePartial(t *testing.T) {
	full := bytes.Repeat([]byte("f"), 8192)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignores the Range header entirely.
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(full)
	}))
	defer srv.Close()

	m, _, dir := testManager(t, testPolicy(0, nil), false)

	dest := filepath.Join(dir, "video.mp4")
	partial := full[:4096]
	require.NoError(t, os.WriteFile(dest+PartialSuffix, partial, 0o644))

	job := Job{ID: JobID("/videos/4"), URL: srv.URL, DestPath: dest, ExpectedSize: int64(len(full))}

	outcome, err := m.Run(context.Background(), job)
	assert.Equal(t, OutcomeFailed, outcome)

	var cerr *classify.ClassifiedError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, classify.CategoryServer, cerr.Category)
	assert.True(t, cerr.Retryable())
	assert.True(t, cerr.ResumeReset)

	got, err := os.ReadFile(dest + PartialSuffix)
	require.NoError(t, err, "partial above the corruption floor must survive")
	assert.Equal(t, partial, got)
}

func TestRun_FullContentOnRangedRequestDeletesTinyPartial(t *testing.T) {
	full := bytes.Repeat([]byte("t"), 8192)

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(full)
	}))
	defer srv.Close()

	m, _, dir := testManager(t, testPolicy(1, nil), false)

	dest := filepath.Join(dir, "video.mp4")
	require.NoError(t, os.WriteFile(dest+PartialSuffix, full[:512], 0o644))

	job := Job{ID: JobID("/videos/5"), URL: srv.URL, DestPath: dest, ExpectedSize: int64(len(full))}

	// First attempt sends a range, gets full content, deletes the 512-byte
	// partial; the retry starts fresh and succeeds.
	outcome, err := m.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDownloaded, outcome)
	assert.Equal(t, int32(2), attempts.Load())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, full, got)
}

func TestRun_ServerErrorsThenSuccess(t *testing.T) {
	content := bytes.Repeat([]byte("s"), 1_000_000)

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	retries := 0
	m, led, dir := testManager(t, testPolicy(3, func(int, error) { retries++ }), false)

	dest := filepath.Join(dir, "video.mp4")
	job := Job{ID: JobID("/videos/6"), URL: srv.URL, DestPath: dest, ExpectedSize: int64(len(content))}

	outcome, err := m.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDownloaded, outcome)
	assert.Equal(t, 2, retries, "exactly two retry callbacks")

	rec, _ := led.Get(job.ID)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
	assert.Equal(t, int64(len(content)), rec.BytesTransferred)
}

func TestRun_AuthFailureIsTerminalWithoutRetry(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	retries := 0
	m, led, dir := testManager(t, testPolicy(5, func(int, error) { retries++ }), false)

	job := Job{ID: JobID("/videos/7"), URL: srv.URL, DestPath: filepath.Join(dir, "video.mp4"), ExpectedSize: 1000}

	outcome, err := m.Run(context.Background(), job)
	assert.Equal(t, OutcomeFailed, outcome)

	var cerr *classify.ClassifiedError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, classify.CategoryAuth, cerr.Category)

	assert.Equal(t, int32(1), attempts.Load())
	assert.Zero(t, retries)

	rec, _ := led.Get(job.ID)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "auth")
}

func TestRun_SizeMismatchFailsAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(bytes.Repeat([]byte("u"), 2048))
	}))
	defer srv.Close()

	m, _, dir := testManager(t, testPolicy(0, nil), false)

	dest := filepath.Join(dir, "video.mp4")
	job := Job{ID: JobID("/videos/8"), URL: srv.URL, DestPath: dest, ExpectedSize: 4096}

	outcome, err := m.Run(context.Background(), job)
	assert.Equal(t, OutcomeFailed, outcome)

	var cerr *classify.ClassifiedError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, classify.CategoryServer, cerr.Category)
	assert.Contains(t, strings.ToLower(cerr.Message), "size mismatch")

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "short download must not be published")

	got, readErr := os.ReadFile(dest + PartialSuffix)
	require.NoError(t, readErr, "short partial above the floor stays for resume")
	assert.Len(t, got, 2048)
}

func TestRun_PromotesFinishedPartialWithoutNetworkCall(t *testing.T) {
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
	}))
	defer srv.Close()

	m, led, dir := testManager(t, testPolicy(0, nil), false)

	content := bytes.Repeat([]byte("p"), 2048)
	dest := filepath.Join(dir, "video.mp4")
	require.NoError(t, os.WriteFile(dest+PartialSuffix, content, 0o644))

	job := Job{ID: JobID("/videos/9"), URL: srv.URL, DestPath: dest, ExpectedSize: 2048}

	outcome, err := m.Run(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, OutcomeDownloaded, outcome)
	assert.Zero(t, requests.Load())

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	rec, _ := led.Get(job.ID)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
}

func TestRun_OverwriteRedownloadsExistingFile(t *testing.T) {
	fresh := bytes.Repeat([]byte("n"), 2048)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(fresh)
	}))
	defer srv.Close()

	m, _, dir := testManager(t, testPolicy(0, nil), true)

	dest := filepath.Join(dir, "video.mp4")
	require.NoError(t, os.WriteFile(dest, bytes.Repeat([]byte("o"), 2048), 0o644))

	job := Job{ID: JobID("/videos/10"), URL: srv.URL, DestPath: dest, ExpectedSize: 2048}

	outcome, err := m.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDownloaded, outcome)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, fresh, got)
}
