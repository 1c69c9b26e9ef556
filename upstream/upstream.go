// Package upstream talks to the remote content repository: it downloads a
// language's bundle archive and queries the change-count endpoint used for
// staleness checks.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	bundlecache "github.com/wolfeidau/bundle-cache"
)

const (
	// DefaultArchiveBaseURL is the default base for bundle archives. A
	// language's archive lives at <base>/<lang>.zip.
	DefaultArchiveBaseURL = "https://content.offlinebasics.org/archives"

	// DefaultCommitsBaseURL is the default base for the change-count
	// endpoint. A language's changes live at
	// <base>/<lang><suffix><RFC3339 timestamp>.
	DefaultCommitsBaseURL = "https://api.offlinebasics.org/repos/content"

	// DefaultCommitsSuffix joins the language segment to the since
	// parameter of the change-count endpoint.
	DefaultCommitsSuffix = "/commits?since="

	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 60 * time.Second
)

// Progress reports download advancement. Fraction is monotone and derived
// from the Content-Length header; servers that compress on the fly
// under-report length, so Fraction may saturate below 1.0. Completion is
// signalled only by Done, never by the numeric value.
type Progress struct {
	Fraction float64
	Bytes    int64
	Done     bool
}

// ProgressFunc receives progress events during an archive download.
type ProgressFunc func(Progress)

// ArchiveInfo describes a completed archive download.
type ArchiveInfo struct {
	Hash bundlecache.Hash
	Size int64
}

// Client fetches bundle archives and change counts from the remote
// repository.
type Client struct {
	archiveBase   string
	commitsBase   string
	commitsSuffix string
	client        *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithArchiveBaseURL sets the archive endpoint base URL.
func WithArchiveBaseURL(url string) Option {
	return func(c *Client) {
		c.archiveBase = url
	}
}

// WithCommitsURL sets the change-count endpoint base URL and suffix.
func WithCommitsURL(base, suffix string) Option {
	return func(c *Client) {
		c.commitsBase = base
		c.commitsSuffix = suffix
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// NewClient creates a new upstream client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		archiveBase:   DefaultArchiveBaseURL,
		commitsBase:   DefaultCommitsBaseURL,
		commitsSuffix: DefaultCommitsSuffix,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ArchiveURL returns the archive URL for a language.
func (c *Client) ArchiveURL(lang string) string {
	return fmt.Sprintf("%s/%s.zip", c.archiveBase, lang)
}

// FetchArchive downloads the archive for a language into dst, emitting
// progress events along the way. The final event has Done set and is only
// emitted after the full body has been copied without error.
func (c *Client) FetchArchive(ctx context.Context, lang string, dst io.Writer, onProgress ProgressFunc) (*ArchiveInfo, error) {
	url := c.ArchiveURL(lang)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching archive %s: %w: %v", url, bundlecache.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetching archive %s: %w: status %d: %s", url, bundlecache.ErrTransport, resp.StatusCode, string(body))
	}

	hr := bundlecache.NewHashingReader(resp.Body)
	counting := &progressReader{
		r:          hr,
		total:      resp.ContentLength,
		onProgress: onProgress,
	}

	if _, err := io.Copy(dst, counting); err != nil {
		return nil, fmt.Errorf("downloading archive %s: %w: %v", url, bundlecache.ErrTransport, err)
	}

	info := &ArchiveInfo{
		Hash: hr.Sum(),
		Size: hr.BytesRead(),
	}
	if onProgress != nil {
		onProgress(Progress{Fraction: counting.fraction(), Bytes: info.Size, Done: true})
	}
	return info, nil
}

// ChangeCount asks the remote repository how many changes landed for a
// language since the given reference time. The endpoint returns a JSON
// array; its length is the count. Any non-200 status is a hard failure.
func (c *Client) ChangeCount(ctx context.Context, lang string, since time.Time) (int, error) {
	url := c.commitsBase + "/" + lang + c.commitsSuffix + since.UTC().Format(time.RFC3339)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("querying changes for %s: %w: %v", lang, bundlecache.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("querying changes for %s: %w: status %d", lang, bundlecache.ErrTransport, resp.StatusCode)
	}

	var changes []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&changes); err != nil {
		return 0, fmt.Errorf("querying changes for %s: %w: %v", lang, bundlecache.ErrDecode, err)
	}
	return len(changes), nil
}

// progressReader counts bytes and emits monotone progress events.
type progressReader struct {
	r          io.Reader
	total      int64 // Content-Length; -1 or 0 if unknown
	read       int64
	last       float64
	onProgress ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += int64(n)
		if pr.onProgress != nil {
			if f := pr.fraction(); f > pr.last {
				pr.last = f
				pr.onProgress(Progress{Fraction: f, Bytes: pr.read})
			}
		}
	}
	return n, err
}

func (pr *progressReader) fraction() float64 {
	if pr.total <= 0 {
		return 0
	}
	f := float64(pr.read) / float64(pr.total)
	if f > 1 {
		f = 1
	}
	return f
}
