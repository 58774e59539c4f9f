package acquire

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// DefaultBaseURL is the public Kaggle API root
const DefaultBaseURL = "https://www.kaggle.com/api/v1"

// Client downloads dataset archives from the Kaggle REST API
type Client struct {
	BaseURL     string
	Credentials Credentials
	HTTPClient  *http.Client
	Progress    io.Writer // progress bar output, nil disables it
}

// NewClient creates a client for baseURL, DefaultBaseURL when empty
func NewClient(baseURL string, creds Credentials) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Credentials: creds,
		HTTPClient:  &http.Client{Timeout: 2 * time.Hour},
	}
}

// DownloadURL returns the archive URL of a dataset given as "owner/slug"
func (c *Client) DownloadURL(datasetID string) (string, error) {
	owner, slug, ok := strings.Cut(datasetID, "/")
	if !ok || owner == "" || slug == "" || strings.Contains(slug, "/") {
		return "", fmt.Errorf("dataset id must be owner/slug, got %q", datasetID)
	}
	return fmt.Sprintf("%s/datasets/download/%s/%s", c.BaseURL, owner, slug), nil
}

// Download streams the archive of datasetID into dst and returns the number of bytes
// written
func (c *Client) Download(ctx context.Context, datasetID string, dst io.Writer) (int64, error) {
	url, err := c.DownloadURL(datasetID)
	if err != nil {
		return 0, &AcquisitionError{Op: "download", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &AcquisitionError{Op: "download", Err: err}
	}
	req.SetBasicAuth(c.Credentials.Username, c.Credentials.Key)

	klog.Infof("Downloading %s", datasetID)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, &AcquisitionError{Op: "download", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return 0, &AcquisitionError{Op: "download", Detail: resp.Status, Err: ErrInvalidCredentials}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return 0, &AcquisitionError{
			Op:     "download",
			Detail: resp.Status + ": " + bodyExcerpt(resp.Body),
			Err:    fmt.Errorf("unexpected status downloading %s", datasetID),
		}
	}

	body := io.Reader(resp.Body)
	var bar *ProgressBar
	if c.Progress != nil {
		bar = NewProgressBar(datasetID, resp.ContentLength, c.Progress)
		body = io.TeeReader(resp.Body, bar)
	}

	n, err := io.Copy(dst, body)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return n, &AcquisitionError{Op: "download", Err: fmt.Errorf("transfer interrupted after %d bytes: %w", n, err)}
	}
	return n, nil
}

// DownloadFile downloads the archive into a temporary file in dir and returns its path
func (c *Client) DownloadFile(ctx context.Context, datasetID, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", &AcquisitionError{Op: "download", Err: err}
	}

	file, err := os.CreateTemp(dir, "dataset-*.zip")
	if err != nil {
		return "", &AcquisitionError{Op: "download", Err: err}
	}

	n, err := c.Download(ctx, datasetID, file)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = &AcquisitionError{Op: "download", Err: closeErr}
	}
	if err != nil {
		os.Remove(file.Name())
		return "", err
	}

	klog.Infof("Downloaded %d bytes to %s", n, file.Name())
	return file.Name(), nil
}

func bodyExcerpt(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(data))
}
