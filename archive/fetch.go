package archive

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	rbh "github.com/cea-hpc/librobinhood"
)

// ErrNotFound is returned by Fetch when the remote image does not exist,
// grounded on internal/repo.Reader's ErrNotFound.
type ErrNotFound struct {
	URL *url.URL
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%v: HTTP status 404", e.URL)
}

var httpClient = &http.Client{Transport: &http.Transport{
	MaxIdleConnsPerHost: 10,
	DisableCompression:  true,
}}

// Fetch returns a local path to the squashfs image at src. A src that is
// not an http(s) URL is taken as a local path and returned unchanged; an
// http(s) URL is downloaded into a file directly under cacheDir (named
// by cacheName), whose path is returned. A conditional If-Modified-Since
// request against a previously cached copy avoids re-downloading images
// that have not changed, the same caching contract
// internal/repo.Reader's cacheFn/Reader implement for package fetches.
//
// The destination file is written via renameio so a fetch interrupted
// mid-transfer never leaves a corrupt image at the final path for a
// concurrent Open to observe.
func Fetch(ctx context.Context, src, cacheDir string) (string, error) {
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		return src, nil
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", xerrors.Errorf("archive: mkdir %s: %w", cacheDir, err)
	}
	dest := filepath.Join(cacheDir, cacheName(src))

	var ifModifiedSince time.Time
	if st, err := os.Stat(dest); err == nil {
		ifModifiedSince = st.ModTime()
	}

	req, err := http.NewRequest(http.MethodGet, src, nil)
	if err != nil {
		return "", xerrors.Errorf("archive: %w", err)
	}
	if !ifModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", ifModifiedSince.Format(http.TimeFormat))
	}
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return "", xerrors.Errorf("archive: fetch %s: %w", src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return dest, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", xerrors.Errorf("archive: %w", &ErrNotFound{URL: req.URL})
	}
	if resp.StatusCode != http.StatusOK {
		return "", xerrors.Errorf("archive: fetch %s: HTTP status %v: %w", src, resp.Status, rbh.ErrInvalid)
	}

	body := io.Reader(resp.Body)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return "", xerrors.Errorf("archive: gunzip %s: %w", src, err)
		}
		defer zr.Close()
		body = zr
	}

	out, err := renameio.TempFile("", dest)
	if err != nil {
		return "", xerrors.Errorf("archive: %w", err)
	}
	defer out.Cleanup()

	if _, err := io.Copy(out, body); err != nil {
		return "", xerrors.Errorf("archive: writing %s: %w", dest, err)
	}
	if err := out.CloseAtomicallyReplace(); err != nil {
		return "", xerrors.Errorf("archive: %w", err)
	}

	mtime := time.Now()
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := time.Parse(http.TimeFormat, lm); err == nil {
			mtime = t
		}
	}
	_ = os.Chtimes(dest, mtime, mtime)

	return dest, nil
}

func cacheName(src string) string {
	return strings.ReplaceAll(strings.TrimPrefix(strings.TrimPrefix(src, "https://"), "http://"), "/", "_")
}
