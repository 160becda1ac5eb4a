package downloader

import (
	"context"
	"path/filepath"

	"github.com/icastillejo/vimeoarc/internal/logctx"
	"github.com/icastillejo/vimeoarc/internal/sanitize"
	"github.com/icastillejo/vimeoarc/internal/storage"
	"github.com/icastillejo/vimeoarc/internal/transfer"
	"github.com/icastillejo/vimeoarc/internal/vimeo"
)

// Catalog resolves the account's videos into transfer jobs.
type Catalog struct {
	client       *vimeo.Client
	history      storage.HistoryReadRepository
	downloadRoot string
	folderFilter string
}

func NewCatalog(client *vimeo.Client, history storage.HistoryReadRepository, downloadRoot, folderFilter string) *Catalog {
	return &Catalog{
		client:       client,
		history:      history,
		downloadRoot: downloadRoot,
		folderFilter: folderFilter,
	}
}

// BuildJobs enumerates folders and videos and maps each video to a job. The
// job id derives from the video URI so a remote rename never breaks resume;
// the local path mirrors the remote folder structure with sanitized names.
func (c *Catalog) BuildJobs(ctx context.Context) ([]transfer.Job, error) {
	logger := logctx.LoggerFromContext(ctx)

	videos, err := c.collectVideos(ctx)
	if err != nil {
		return nil, err
	}

	jobs := make([]transfer.Job, 0, len(videos))

	for _, video := range videos {
		rendition, err := c.client.BestDownload(ctx, video)
		if err != nil {
			logger.Error("no usable download rendition, skipping video", "video_uri", video.URI, "err", err)

			continue
		}

		jobs = append(jobs, transfer.Job{
			ID:           transfer.JobID(video.URI),
			URL:          rendition.Link,
			DestPath:     c.destPath(video, rendition),
			ExpectedSize: rendition.Size,
		})
	}

	logger.Info("prepared download jobs",
		"job_count", len(jobs),
		"video_count", len(videos),
		"previously_completed", c.previouslyCompleted(ctx, jobs),
	)

	return jobs, nil
}

// previouslyCompleted counts jobs that already finished in an earlier run
// according to the history database. Those are the expected skips; a lower
// skip count at the end of the run points at files removed on disk.
func (c *Catalog) previouslyCompleted(ctx context.Context, jobs []transfer.Job) int {
	if c.history == nil {
		return 0
	}

	done, err := c.history.CompletedJobIDs()
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to read completed jobs from history", "err", err)

		return 0
	}

	count := 0

	for _, job := range jobs {
		if _, ok := done[job.ID]; ok {
			count++
		}
	}

	return count
}

func (c *Catalog) collectVideos(ctx context.Context) ([]*vimeo.Video, error) {
	logger := logctx.LoggerFromContext(ctx)

	folders, err := c.client.Folders(ctx)
	if err != nil {
		return nil, err
	}

	var videos []*vimeo.Video

	seen := make(map[string]struct{})

	for _, folder := range folders {
		if c.folderFilter != "" && folder.Name != c.folderFilter {
			continue
		}

		folderVideos, err := c.client.FolderVideos(ctx, folder)
		if err != nil {
			logger.Error("failed to list folder videos", "folder", folder.Name, "err", err)

			continue
		}

		for _, v := range folderVideos {
			if _, ok := seen[v.URI]; ok {
				continue
			}

			seen[v.URI] = struct{}{}

			videos = append(videos, v)
		}
	}

	// Videos outside any folder only matter when no folder filter is set.
	if c.folderFilter == "" {
		rootVideos, err := c.client.Videos(ctx)
		if err != nil {
			return nil, err
		}

		for _, v := range rootVideos {
			if _, ok := seen[v.URI]; ok {
				continue
			}

			seen[v.URI] = struct{}{}

			videos = append(videos, v)
		}
	}

	return videos, nil
}

func (c *Catalog) destPath(video *vimeo.Video, rendition *vimeo.Rendition) string {
	name := sanitize.Filename(video.Name) + rendition.Ext()

	if video.Folder != nil {
		return filepath.Join(c.downloadRoot, sanitize.Filename(video.Folder.Name), name)
	}

	return filepath.Join(c.downloadRoot, name)
}
