/**
 * Image sources for the extraction pipeline
 *
 * An image arrives as a local path, an HTTP(S) URL or an in-memory buffer.
 * Unreadable sources map to SOURCE_NOT_FOUND.
 */

package raster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
	"github.com/adverant/nexus/ocr-worker/internal/logging"
)

// Source identifies one image. Exactly one of Data, Path or URL is used,
// in that order of preference.
type Source struct {
	Name string
	Path string
	URL  string
	Data []byte
}

// Ref returns a printable reference for logs and error messages.
func (s Source) Ref() string {
	switch {
	case s.Name != "":
		return s.Name
	case s.Path != "":
		return s.Path
	case s.URL != "":
		return s.URL
	case len(s.Data) > 0:
		return fmt.Sprintf("buffer(%d bytes)", len(s.Data))
	default:
		return "<empty>"
	}
}

// FetcherConfig holds source reader configuration
type FetcherConfig struct {
	MaxFileSize    int64
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	HTTPClient     *http.Client
	Logger         *logging.Logger
}

// Fetcher reads raw image bytes from a Source.
type Fetcher struct {
	cfg    FetcherConfig
	client *http.Client
	logger *logging.Logger
}

// NewFetcher creates a fetcher, filling unset limits with defaults.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 50 * 1024 * 1024
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 32 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Fetcher{cfg: cfg, client: client, logger: logger.Named("fetcher")}
}

// Read returns the bytes behind src.
func (f *Fetcher) Read(ctx context.Context, src Source) ([]byte, error) {
	switch {
	case len(src.Data) > 0:
		if int64(len(src.Data)) > f.cfg.MaxFileSize {
			return nil, ocrerrors.NewSourceNotFoundError(src.Ref(),
				fmt.Errorf("buffer exceeds maximum size: %d > %d bytes", len(src.Data), f.cfg.MaxFileSize))
		}
		return src.Data, nil
	case src.Path != "":
		return f.readFile(src)
	case src.URL != "":
		data, err := f.download(ctx, src.URL)
		if err != nil {
			return nil, ocrerrors.NewSourceNotFoundError(src.Ref(), err)
		}
		return data, nil
	default:
		return nil, ocrerrors.NewSourceNotFoundError(src.Ref(), fmt.Errorf("no image source provided (path, URL or buffer)"))
	}
}

func (f *Fetcher) readFile(src Source) ([]byte, error) {
	info, err := os.Stat(src.Path)
	if err != nil {
		return nil, ocrerrors.NewSourceNotFoundError(src.Ref(), err)
	}
	if info.IsDir() {
		return nil, ocrerrors.NewSourceNotFoundError(src.Ref(), fmt.Errorf("%s is a directory", src.Path))
	}
	if info.Size() > f.cfg.MaxFileSize {
		return nil, ocrerrors.NewSourceNotFoundError(src.Ref(),
			fmt.Errorf("file size exceeds maximum: %d > %d bytes", info.Size(), f.cfg.MaxFileSize))
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, ocrerrors.NewSourceNotFoundError(src.Ref(), err)
	}
	return data, nil
}

// download fetches a URL with exponential backoff between attempts.
func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		data, err := f.downloadOnce(ctx, url)
		if err == nil {
			f.logger.Debug("Download successful", "url", url, "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return nil, perm.err
		}

		lastErr = err
		f.logger.Warn("Download attempt failed", "url", url, "attempt", attempt, "maxRetries", f.cfg.MaxRetries, "error", err)

		if attempt < f.cfg.MaxRetries {
			backoff := time.Duration(float64(f.cfg.InitialBackoff) * math.Pow(2, float64(attempt-1)))
			if backoff > f.cfg.MaxBackoff {
				backoff = f.cfg.MaxBackoff
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("failed to download image after %d attempts: %w", f.cfg.MaxRetries, lastErr)
}

// permanentError stops the retry loop.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }

func (f *Fetcher) downloadOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, permanentError{err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	if resp.ContentLength > f.cfg.MaxFileSize {
		return nil, permanentError{fmt.Errorf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, f.cfg.MaxFileSize)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxFileSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.cfg.MaxFileSize {
		return nil, permanentError{fmt.Errorf("file size exceeds maximum: more than %d bytes", f.cfg.MaxFileSize)}
	}
	return data, nil
}

func lowerExt(name string) string {
	return strings.ToLower(filepath.Ext(name))
}
