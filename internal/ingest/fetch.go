package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cheggaaa/pb/v3"
)

// ErrBadStatus is returned when a download responds with a non-2xx status.
var ErrBadStatus = errors.New("unexpected HTTP status")

const counterBar pb.ProgressBarTemplate = `{{with string . "prefix"}}{{.}} {{end}}{{counters . }} {{speed . }}`

const fullBar pb.ProgressBarTemplate = `{{with string . "prefix"}}{{.}} {{end}}{{counters . }} {{bar . }} {{percent . }} {{speed . }}`

var driveFileRe = regexp.MustCompile(`^/file/d/([^/]+)`)

// ResolveURL rewrites Google Drive share links ("/file/d/<id>/view") into
// direct download URLs. Other URLs are returned unchanged.
func ResolveURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host != "drive.google.com" {
		return raw
	}
	m := driveFileRe.FindStringSubmatch(u.Path)
	if m == nil {
		return raw
	}
	q := url.Values{}
	q.Set("export", "download")
	q.Set("id", m[1])
	q.Set("confirm", "t")
	return "https://drive.usercontent.google.com/download?" + q.Encode()
}

// Fetcher copies a remote or local source to a file on disk.
type Fetcher struct {
	Client *http.Client
	// Progress receives the progress bar; nil disables it.
	Progress io.Writer
}

// NewFetcher returns a Fetcher using http.DefaultClient.
func NewFetcher(progress io.Writer) *Fetcher {
	return &Fetcher{Client: http.DefaultClient, Progress: progress}
}

// Fetch writes source to dest and returns the number of bytes written.
// source may be an http(s) URL, a file:// URL or a plain path. dest is
// written through a temporary file so a failed fetch leaves no partial file.
func (f *Fetcher) Fetch(ctx context.Context, source, dest string) (int64, error) {
	if source == "" {
		return 0, fmt.Errorf("ingest: empty source")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("ingest: %w", err)
	}

	var (
		body io.ReadCloser
		size int64
	)
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		resp, err := f.get(ctx, ResolveURL(source))
		if err != nil {
			return 0, err
		}
		body, size = resp.Body, resp.ContentLength
	default:
		path := strings.TrimPrefix(source, "file://")
		file, err := os.Open(path)
		if err != nil {
			return 0, fmt.Errorf("ingest: %w", err)
		}
		if st, err := file.Stat(); err == nil {
			size = st.Size()
		}
		body = file
	}
	defer body.Close()

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("ingest: %w", err)
	}

	var w io.Writer = out
	var bar *pb.ProgressBar
	if f.Progress != nil {
		tmpl := counterBar
		if size > 0 {
			tmpl = fullBar
		}
		bar = pb.New64(size).SetTemplate(tmpl)
		bar.Set(pb.Bytes, true)
		bar.Set("prefix", fmt.Sprintf("Downloading %s:", filepath.Base(dest)))
		bar.SetWriter(f.Progress)
		bar.Start()
		w = bar.NewProxyWriter(out)
	}

	n, err := io.Copy(w, &ctxReader{ctx: ctx, r: body})
	if bar != nil {
		bar.Finish()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("ingest: download of %s failed: %w", source, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("ingest: %w", err)
	}
	return n, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ingest: GET %s: %w", rawURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("ingest: GET %s: %w: %s", rawURL, ErrBadStatus, resp.Status)
	}
	return resp, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
