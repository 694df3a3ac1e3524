// Package downloader streams remote media files to disk.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aluiziolira/go-scrape-channels/config"
)

const (
	dirPermissions = 0o755
	partSuffix     = ".part"

	// Progress is reported every tenth of the body, or every unknownSizeStep
	// bytes when the server sends no Content-Length.
	progressSteps   = 10
	unknownSizeStep = 1 << 20
)

var (
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrMissingLocation  = errors.New("redirect without Location header")
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")
)

// DownloadError is the terminal failure of one download. StatusCode is zero
// for transport and filesystem failures.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// ProgressFunc receives cumulative bytes written for dest. total is -1 when
// the size is unknown.
type ProgressFunc func(dest string, written, total int64)

// Downloader fetches a URL into a file, following a bounded number of
// redirects.
type Downloader struct {
	client       *http.Client
	userAgent    string
	timeout      time.Duration
	maxRedirects int
	progress     ProgressFunc
}

// New builds a downloader from cfg. A nil client gets a transport tuned for
// large bodies.
func New(cfg *config.Config, client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Transport: newTransport(cfg.Timeout)}
	}
	// Redirects are followed by hand so the hop count stays bounded and every
	// hop is visible in the logs.
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Downloader{
		client:       &c,
		userAgent:    cfg.UserAgent,
		timeout:      cfg.DownloadTimeout,
		maxRedirects: cfg.MaxRedirects,
		progress:     logProgress,
	}
}

// SetProgressFunc replaces the progress callback. nil disables reporting.
func (d *Downloader) SetProgressFunc(fn ProgressFunc) {
	d.progress = fn
}

// Download writes the body served at rawURL to dest. dest exists only if the
// call returns nil: any failure removes both the partial file and dest.
func (d *Downloader) Download(ctx context.Context, rawURL, dest string) (err error) {
	defer func() {
		if err != nil {
			removeQuietly(dest + partSuffix)
			removeQuietly(dest)
		}
	}()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if err := os.MkdirAll(filepath.Dir(dest), dirPermissions); err != nil {
		return &DownloadError{URL: rawURL, Err: fmt.Errorf("create directory: %w", err)}
	}

	resp, err := d.fetch(ctx, rawURL)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	finalURL := resp.Request.URL.String()
	part := dest + partSuffix
	//#nosec G304: dest is built from a sanitized handle and numeric id
	f, err := os.Create(part)
	if err != nil {
		return &DownloadError{URL: finalURL, Err: fmt.Errorf("create file: %w", err)}
	}

	pw := &progressWriter{dest: dest, total: resp.ContentLength, fn: d.progress}
	pw.schedule()
	if _, err := io.Copy(f, io.TeeReader(resp.Body, pw)); err != nil {
		_ = f.Close()
		return &DownloadError{URL: finalURL, Err: fmt.Errorf("write body: %w", err)}
	}
	pw.finish()

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return &DownloadError{URL: finalURL, Err: fmt.Errorf("sync file: %w", err)}
	}
	if err := f.Close(); err != nil {
		return &DownloadError{URL: finalURL, Err: fmt.Errorf("close file: %w", err)}
	}
	if err := os.Rename(part, dest); err != nil {
		return &DownloadError{URL: finalURL, Err: fmt.Errorf("finalize file: %w", err)}
	}

	slog.Debug("download complete",
		slog.String("url", finalURL),
		slog.String("dest", dest),
		slog.Int64("bytes", pw.written),
	)
	return nil
}

// fetch issues the GET and follows redirects up to maxRedirects hops. The
// returned response always has status 200.
func (d *Downloader) fetch(ctx context.Context, rawURL string) (*http.Response, error) {
	current := rawURL
	for hop := 0; ; hop++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, &DownloadError{URL: current, Err: fmt.Errorf("create request: %w", err)}
		}
		req.Header.Set("User-Agent", d.userAgent)

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, &DownloadError{URL: current, Err: err}
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil

		case isRedirect(resp.StatusCode):
			location := resp.Header.Get("Location")
			discard(resp)
			if location == "" {
				return nil, &DownloadError{URL: current, StatusCode: resp.StatusCode, Err: ErrMissingLocation}
			}
			if hop >= d.maxRedirects {
				return nil, &DownloadError{URL: current, StatusCode: resp.StatusCode,
					Err: fmt.Errorf("%w: limit %d", ErrTooManyRedirects, d.maxRedirects)}
			}
			next, err := req.URL.Parse(location)
			if err != nil {
				return nil, &DownloadError{URL: current, StatusCode: resp.StatusCode,
					Err: fmt.Errorf("invalid Location %q: %w", location, err)}
			}
			slog.Debug("following redirect",
				slog.String("from", current),
				slog.String("to", next.String()),
				slog.Int("status", resp.StatusCode),
			)
			current = next.String()

		default:
			discard(resp)
			return nil, &DownloadError{URL: current, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)}
		}
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// discard drains a little of the body so the connection can be reused.
func discard(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
	_ = resp.Body.Close()
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Debug("remove partial file", slog.String("path", path), slog.Any("error", err))
	}
}

func newTransport(dialTimeout time.Duration) *http.Transport {
	if dialTimeout <= 0 {
		dialTimeout = 30 * time.Second
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: dialTimeout,
	}
}
