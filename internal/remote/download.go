package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/docvault/docvault/internal/logging"
	"github.com/docvault/docvault/internal/metrics"
	"github.com/docvault/docvault/internal/tree"
	"github.com/docvault/docvault/pkg/retry"
)

// DownloadFile streams file into targetDir under its local name and binds
// the result to file. Every attempt first requests a freshly signed download
// reference; references are never reused across attempts. A cancelled
// transfer leaves the partial file in place.
func (c *Client) DownloadFile(ctx context.Context, file *tree.File, targetDir string) (string, error) {
	if file.StorageID == "" {
		return "", retry.Fatal(fmt.Errorf("file %s has no storage object", file.ID))
	}
	bucket, key, err := ParseStorageID(file.StorageID)
	if err != nil {
		return "", retry.Fatal(err)
	}
	signRef := "/oss/v2/buckets/" + url.PathEscape(bucket) + "/objects/" + url.PathEscape(key) + "/signeds3download"
	dest := filepath.Join(targetDir, file.LocalName())

	err = retry.Do(ctx, c.retryConfig, func() error {
		file.Attempts++
		file.DownloadURL = ""

		var signed SignedDownloadResponse
		if err := c.attemptJSON(ctx, endpointSign, signRef, &signed); err != nil {
			return err
		}
		if signed.URL == "" {
			return &retry.Error{Kind: retry.KindTransient, Endpoint: endpointSign,
				Err: fmt.Errorf("no download url (status %q)", signed.Status)}
		}
		file.DownloadURL = signed.URL

		written, err := c.fetch(ctx, signed.URL, dest)
		if err != nil {
			return err
		}
		file.Bind(dest, written)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", file.Name, err)
	}

	if !file.LastModifiedTime.IsZero() {
		if err := os.Chtimes(dest, time.Now(), file.LastModifiedTime); err != nil {
			logging.Debug("set modification time failed", logging.String("path", dest), logging.Err(err))
		}
	}
	return dest, nil
}

// fetch performs a single unauthenticated GET of a signed URL into dest.
func (c *Client) fetch(ctx context.Context, signedURL, dest string) (int64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return 0, retry.Fatal(err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordAPIRequest(endpointDownload, 0, time.Since(start))
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &retry.Error{Kind: retry.KindTransient, Endpoint: endpointDownload, Err: err}
	}
	defer resp.Body.Close()
	metrics.RecordAPIRequest(endpointDownload, resp.StatusCode, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		// Signed URLs carry their own credentials; the API token stays valid.
		return 0, c.statusError(resp, endpointDownload, "")
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, retry.Fatal(fmt.Errorf("create %s: %w", dest, err))
	}
	written, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		return written, &retry.Error{Kind: retry.KindTransient, Endpoint: endpointDownload, Err: copyErr}
	}
	if closeErr != nil {
		return written, retry.Fatal(fmt.Errorf("close %s: %w", dest, closeErr))
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return written, &retry.Error{Kind: retry.KindTransient, Endpoint: endpointDownload,
			Err: fmt.Errorf("short read: %d of %d bytes", written, resp.ContentLength)}
	}
	return written, nil
}
