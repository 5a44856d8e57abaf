package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const incompleteSuffix = ".incomplete"

// DownloadRequest describes a snapshot download.
type DownloadRequest struct {
	RepoID        string
	Revision      string
	LocalDir      string
	AllowPatterns []string
	// Entries, when non-nil, is a previously fetched recursive listing of
	// the repository. It saves a second listing request.
	Entries []TreeEntry
}

// ProgressFunc is called after each file finishes downloading.
type ProgressFunc func(path string, size int64, done, total int)

// SnapshotDownload downloads every file of a repository matching the allow
// patterns into LocalDir, preserving the repository layout. Files that are
// already present with the expected size are skipped. It returns the local
// paths of all matched files.
func (c *Client) SnapshotDownload(ctx context.Context, request DownloadRequest, progress ProgressFunc) ([]string, error) {
	if request.Revision == "" {
		request.Revision = DefaultRevision
	}
	entries := request.Entries
	if entries == nil {
		var err error
		entries, err = c.ListRepoTree(ctx, request.RepoID, request.Revision, true)
		if err != nil {
			return nil, err
		}
	}
	files := FilterEntries(entries, request.AllowPatterns)

	if err := os.MkdirAll(request.LocalDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download directory: %w", err)
	}

	var (
		lock  sync.Mutex
		done  int
		paths = make([]string, 0, len(files))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.downloadConcurrency)
	for _, entry := range files {
		g.Go(func() error {
			dest, err := localPath(request.LocalDir, entry.Path)
			if err != nil {
				return err
			}
			if err := c.downloadEntry(gctx, request.RepoID, request.Revision, entry, dest); err != nil {
				return fmt.Errorf("downloading %s: %w", entry.Path, err)
			}
			lock.Lock()
			defer lock.Unlock()
			done++
			paths = append(paths, dest)
			if progress != nil {
				progress(entry.Path, entry.Size, done, len(files))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// localPath maps a repository path into dir, refusing paths that escape it.
func localPath(dir, repoPath string) (string, error) {
	dest := filepath.Join(dir, filepath.FromSlash(repoPath))
	rel, err := filepath.Rel(dir, dest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("refusing to write %q outside of %s", repoPath, dir)
	}
	return dest, nil
}

// downloadEntry fetches one file through an .incomplete file, resuming with
// range requests after failures.
func (c *Client) downloadEntry(ctx context.Context, repoID, revision string, entry TreeEntry, dest string) error {
	if info, err := os.Stat(dest); err == nil && entry.Size > 0 && info.Size() == entry.Size {
		c.log.Debugf("Skipping %s, already downloaded", entry.Path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	incomplete := dest + incompleteSuffix
	ref := c.resolvePath(repoID, revision, entry.Path)
	var (
		lastErr  error
		complete bool
	)
	for attempt := 0; attempt <= c.maxRetries && !complete; attempt++ {
		if attempt > 0 {
			c.log.Warnf("Retrying download of %s (attempt %d/%d): %v", entry.Path, attempt, c.maxRetries, lastErr)
			if err := waitBackoff(ctx, c.backoff, attempt-1); err != nil {
				return err
			}
		}
		var err error
		complete, err = c.fetchRange(ctx, ref, incomplete, entry.Size)
		if err == nil {
			continue
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.temporary() {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}

	if !complete {
		if lastErr == nil {
			lastErr = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("downloading %s: %w", entry.Path, lastErr)
	}
	info, err := os.Stat(incomplete)
	if err != nil {
		return fmt.Errorf("download produced no data: %w", err)
	}
	if entry.Size > 0 && info.Size() != entry.Size {
		return fmt.Errorf("got %d of %d bytes: %w", info.Size(), entry.Size, io.ErrUnexpectedEOF)
	}
	if err := os.Rename(incomplete, dest); err != nil {
		return fmt.Errorf("finalizing download: %w", err)
	}
	return nil
}

// fetchRange appends the remainder of a file to the partial file at path.
// It reports whether the partial file is complete.
func (c *Client) fetchRange(ctx context.Context, ref, path string, size int64) (bool, error) {
	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}
	if size > 0 && offset == size {
		return true, nil
	}
	if size > 0 && offset > size {
		offset = 0
	}

	req, err := c.newRequest(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return false, err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		return true, nil
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		// The server ignored the range, so start over.
		flags |= os.O_TRUNC
	default:
		return false, newAPIError(resp)
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return false, fmt.Errorf("opening partial file: %w", err)
	}
	_, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return false, copyErr
	}
	if closeErr != nil {
		return false, closeErr
	}
	if size > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return false, err
		}
		if info.Size() < size {
			return false, io.ErrUnexpectedEOF
		}
	}
	return true, nil
}

func defaultBackoff(attempt int) time.Duration {
	// 200ms * 2^attempt, capped at 5s, scaled into [0.2, 0.6).
	d := time.Duration(float64(200*time.Millisecond) * math.Pow(2, float64(attempt)))
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return time.Duration(float64(d) * (0.2 + rand.Float64()*0.4))
}

// waitBackoff sleeps using the provided backoff function, unless the context
// is canceled.
func waitBackoff(ctx context.Context, bf BackoffFunc, attempt int) error {
	var d time.Duration
	if bf != nil {
		d = bf(attempt)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
