package distribution

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"cochaviz/adlgen/internal/logging"
)

// DefaultReleaseURL is where adlc publishes its bindist archives.
const DefaultReleaseURL = "https://github.com/timbod7/adl/releases/download"

// ReleaseSource fetches a release archive that is not in the local cache.
type ReleaseSource interface {
	Download(ctx context.Context, version, osName, dest string) error
}

// ReleaseDownloader fetches bindist archives laid out as
// <BaseURL>/v<version>/adl-bindist-<version>-<os>.zip.
type ReleaseDownloader struct {
	BaseURL string
	Client  *retryablehttp.Client
	Logger  *slog.Logger
}

// NewReleaseDownloader returns a downloader retrying transient failures a few times.
// An empty baseURL selects DefaultReleaseURL.
func NewReleaseDownloader(baseURL string, logger *slog.Logger) *ReleaseDownloader {
	if baseURL == "" {
		baseURL = DefaultReleaseURL
	}
	logger = logging.Component(logger, "distribution.download")

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = logger

	return &ReleaseDownloader{BaseURL: baseURL, Client: client, Logger: logger}
}

// URL returns where the archive for version and os is published.
func (d *ReleaseDownloader) URL(version, osName string) string {
	return fmt.Sprintf("%s/v%s/%s", strings.TrimRight(d.BaseURL, "/"), version, archiveName(version, osName))
}

// Download writes the archive to dest. The body lands in a temporary sibling that
// is checked to be a readable zip and then renamed, so dest is either absent or complete.
func (d *ReleaseDownloader) Download(ctx context.Context, version, osName, dest string) error {
	if err := ValidateVersion(version); err != nil {
		return err
	}
	url := d.URL(version, osName)
	logger := logging.Ensure(d.Logger).With("url", url)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}

	client := d.Client
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = logger
	}

	logger.Info("downloading compiler release")
	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s returned %s", ErrNotFound, url, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	partial := dest + ".part-" + uuid.NewString()
	size, err := writeDownload(partial, resp.Body)
	if err == nil {
		err = checkZip(partial)
	}
	if err == nil {
		err = os.Rename(partial, dest)
	}
	if err != nil {
		return errors.Join(fmt.Errorf("download %s: %w", url, err), removeIfExists(partial))
	}

	logger.Info("compiler release downloaded", "path", dest, "bytes", size, "duration", time.Since(started).Round(time.Millisecond))
	return nil
}

func writeDownload(path string, body io.Reader) (int64, error) {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	size, err := io.Copy(out, body)
	if err != nil {
		out.Close()
		return size, err
	}
	return size, out.Close()
}

func checkZip(path string) error {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("not a zip archive: %w", err)
	}
	return reader.Close()
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func archiveName(version, osName string) string {
	return fmt.Sprintf("adl-bindist-%s-%s.zip", version, osName)
}
