// Package vimeo is a thin client for the personal-account video API: one-shot
// paginated listings and per-video download rendition lookups. Retrying is
// the caller's concern, not this package's.
package vimeo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/icastillejo/vimeoarc/internal/classify"
	"github.com/icastillejo/vimeoarc/internal/logctx"
	"golang.org/x/oauth2"
)

const (
	// DefaultBaseURL is the production API endpoint.
	DefaultBaseURL = "https://api.vimeo.com"

	perPage = 100
)

// User is the authenticated account.
type User struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// Folder is a remote project folder.
type Folder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// Video is one remote video, optionally inside a folder.
type Video struct {
	URI      string       `json:"uri"`
	Name     string       `json:"name"`
	Duration int          `json:"duration"`
	Folder   *Folder      `json:"parent_folder"`
	Download []*Rendition `json:"download"`
}

// Rendition is one downloadable encoding of a video.
type Rendition struct {
	Quality string `json:"quality"`
	Type    string `json:"type"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Size    int64  `json:"size"`
	Link    string `json:"link"`
}

// Ext maps the rendition MIME type to a file extension.
func (r *Rendition) Ext() string {
	switch r.Type {
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	default:
		return ".mp4"
	}
}

// Client talks to the video API with a bearer token on every request.
type Client struct {
	httpClient *http.Client
	baseURL    string
	observe    func(operation, status string)
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		c.baseURL = base
	}
}

// WithTransport wraps the underlying transport, e.g. for instrumentation.
func WithTransport(wrap func(http.RoundTripper) http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport = wrap(c.httpClient.Transport)
	}
}

// WithAPICallObserver registers a callback fired after every API request
// with a coarse operation name and an "ok"/"error" status.
func WithAPICallObserver(observe func(operation, status string)) Option {
	return func(c *Client) {
		c.observe = observe
	}
}

// NewClient builds a client around a static bearer token.
func NewClient(token string, timeout time.Duration, opts ...Option) *Client {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	httpClient := oauth2.NewClient(context.Background(), tokenSource)
	httpClient.Timeout = timeout

	c := &Client{
		httpClient: httpClient,
		baseURL:    DefaultBaseURL,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Me verifies the token by fetching the authenticated account.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.getJSON(ctx, "/me", nil, &user); err != nil {
		return nil, err
	}

	return &user, nil
}

// Folders lists every folder of the account, following pagination.
func (c *Client) Folders(ctx context.Context) ([]*Folder, error) {
	logger := logctx.LoggerFromContext(ctx)

	var folders []*Folder

	err := c.paginate(ctx, "/me/projects", func(data json.RawMessage) error {
		var page []*Folder
		if err := json.Unmarshal(data, &page); err != nil {
			return classify.Parse("list folders", err)
		}

		folders = append(folders, page...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("listed folders", "folder_count", len(folders))

	return folders, nil
}

// Videos lists every video of the account, following pagination. The
// download renditions come back inline.
func (c *Client) Videos(ctx context.Context) ([]*Video, error) {
	return c.listVideos(ctx, "/me/videos")
}

// FolderVideos lists the videos inside one folder.
func (c *Client) FolderVideos(ctx context.Context, folder *Folder) ([]*Video, error) {
	videos, err := c.listVideos(ctx, folder.URI+"/videos")
	if err != nil {
		return nil, err
	}

	for _, v := range videos {
		if v.Folder == nil {
			v.Folder = folder
		}
	}

	return videos, nil
}

func (c *Client) listVideos(ctx context.Context, path string) ([]*Video, error) {
	logger := logctx.LoggerFromContext(ctx)

	var videos []*Video

	err := c.paginate(ctx, path, func(data json.RawMessage) error {
		var page []*Video
		if err := json.Unmarshal(data, &page); err != nil {
			return classify.Parse("list videos", err)
		}

		videos = append(videos, page...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("listed videos", "path", path, "video_count", len(videos))

	return videos, nil
}

// BestDownload picks the largest rendition, which for this API is the
// highest quality one.
func (c *Client) BestDownload(ctx context.Context, video *Video) (*Rendition, error) {
	renditions := video.Download

	if len(renditions) == 0 {
		var full Video
		if err := c.getJSON(ctx, video.URI, url.Values{"fields": {"uri,name,download"}}, &full); err != nil {
			return nil, err
		}

		renditions = full.Download
	}

	if len(renditions) == 0 {
		return nil, classify.InvalidResponse("resolve download link", "no download renditions for "+video.URI)
	}

	best := renditions[0]
	for _, r := range renditions[1:] {
		if r.Size > best.Size {
			best = r
		}
	}

	if best.Link == "" {
		return nil, classify.InvalidResponse("resolve download link", "rendition has no link for "+video.URI)
	}

	return best, nil
}

// listEnvelope is the API's standard paginated shape.
type listEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// paginate walks a listing endpoint following paging.next until exhausted.
func (c *Client) paginate(ctx context.Context, path string, handle func(data json.RawMessage) error) error {
	query := url.Values{"per_page": {fmt.Sprint(perPage)}}

	for path != "" {
		var envelope listEnvelope
		if err := c.getJSON(ctx, path, query, &envelope); err != nil {
			return err
		}

		if envelope.Data == nil {
			return classify.InvalidResponse("list "+path, "missing data field")
		}

		if err := handle(envelope.Data); err != nil {
			return err
		}

		// paging.next already carries its own query string.
		path = envelope.Paging.Next
		query = nil
	}

	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) (err error) {
	if c.observe != nil {
		defer func() {
			status := "ok"
			if err != nil {
				status = "error"
			}

			c.observe(operationName(path), status)
		}()
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return classify.FromError("build request", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify.FromError("GET "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classify.FromResponse("GET "+path, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return classify.Parse("GET "+path, err)
	}

	return nil
}

// operationName folds request paths into a bounded set of metric labels.
func operationName(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	switch {
	case path == "/me":
		return "me"
	case strings.HasSuffix(path, "/videos"):
		return "list_videos"
	case strings.HasSuffix(path, "/projects"):
		return "list_folders"
	default:
		return "get_video"
	}
}
