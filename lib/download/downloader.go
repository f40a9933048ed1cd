package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/cenkalti/backoff/v5"

	"github.com/hwpplayers/multipass/lib/logger"
	"github.com/hwpplayers/multipass/lib/vault"
)

const progressChunk = 256 * 1024

// URLDownloader implements vault.Downloader over HTTP. Long transfers are
// cancellable through the progress monitor; small requests (manifests,
// HEAD probes) retry transient failures.
type URLDownloader struct {
	client *http.Client
}

// New creates a downloader that gives up on a request after waiting timeout
// for response headers. Body transfer is not time-bounded: long downloads
// end through context cancellation or the progress monitor.
func New(timeout time.Duration) *URLDownloader {
	return &URLDownloader{
		client: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: timeout},
		},
	}
}

// DownloadTo streams url into path, reporting whole-percent progress for
// kind through monitor. The artifact is written to a temporary file and
// renamed into place only on success.
func (d *URLDownloader) DownloadTo(ctx context.Context, url, path string, size int64, kind vault.DownloadType, monitor vault.ProgressMonitor) error {
	log := logger.FromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = size
	}
	log.Info("downloading", "url", url, "size", datasize.ByteSize(max(total, 0)).HumanReadable())

	partial := path + ".partial"
	out, err := os.Create(partial)
	if err != nil {
		return fmt.Errorf("create %s: %w", partial, err)
	}

	if err := copyWithProgress(out, resp.Body, total, kind, monitor); err != nil {
		out.Close()
		os.Remove(partial)
		return err
	}

	if err := out.Close(); err != nil {
		os.Remove(partial)
		return fmt.Errorf("close %s: %w", partial, err)
	}

	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return fmt.Errorf("rename download: %w", err)
	}

	return nil
}

// Download fetches url into memory, retrying transient failures.
func (d *URLDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	return backoff.Retry(ctx, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
		}

		return io.ReadAll(resp.Body)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
}

// LastModified reports the Last-Modified header of url.
func (d *URLDownloader) LastModified(ctx context.Context, url string) (time.Time, error) {
	return backoff.Retry(ctx, func() (time.Time, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return time.Time{}, backoff.Permanent(err)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return time.Time{}, err
		}
		defer resp.Body.Close()

		modified, err := http.ParseTime(resp.Header.Get("Last-Modified"))
		if err != nil {
			return time.Time{}, backoff.Permanent(fmt.Errorf("parse last-modified of %s: %w", url, err))
		}

		return modified, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
}

func copyWithProgress(dst io.Writer, src io.Reader, total int64, kind vault.DownloadType, monitor vault.ProgressMonitor) error {
	buf := make([]byte, progressChunk)
	var written int64
	lastPercent := -1

	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write download: %w", werr)
			}
			written += int64(n)

			percent := -1
			if total > 0 {
				percent = int(written * 100 / total)
			}
			if percent != lastPercent {
				lastPercent = percent
				if !monitor(kind, percent) {
					return vault.ErrAbortedDownload
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read download: %w", err)
		}
	}
}
