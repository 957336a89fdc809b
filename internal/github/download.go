package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	downloadTimeout  = 2 * time.Minute
	maxLogRedirects  = 5
	maxLogSizeBytes  = 64 << 20
	logFileMode      = 0o644
)

// DownloadLog fetches a migration log from its signed URL and writes it
// to destPath atomically. The URL is pre-signed, so the request carries
// no credentials; redirects are followed up to maxLogRedirects.
func DownloadLog(ctx context.Context, rawURL, destPath string) error {
	client := &http.Client{
		Timeout: downloadTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// via holds the requests already issued, so following hop N
			// sees len(via)==N. Allow exactly maxLogRedirects hops.
			if len(via) > maxLogRedirects {
				return fmt.Errorf("stopped after %d redirects", maxLogRedirects)
			}
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building log request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading migration log: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading migration log: unexpected status %s", resp.Status)
	}

	tmp := destPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, logFileMode)
	if err != nil {
		return fmt.Errorf("creating log file: %w", err)
	}
	_, copyErr := io.Copy(f, io.LimitReader(resp.Body, maxLogSizeBytes))
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing log file: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing log file: %w", closeErr)
	}
	if err := os.Rename(tmp, destPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing log file: %w", err)
	}
	return nil
}
