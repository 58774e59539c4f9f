// Package acquire makes sure the raw image dataset is present on disk, downloading and
// extracting it from Kaggle when it is not.
package acquire

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"

	"github.com/soumenmaity3/cnn-finetune/vision/dataset"
)

// Config configures an Acquirer
type Config struct {
	DatasetID     string // "owner/slug"
	RawDir        string // the archive is extracted here
	ExtractSubdir string // folder inside RawDir holding one folder per class
	Classes       []string
	Extensions    []string
	BaseURL       string
	ConfigDir     string    // where kaggle.json lives, empty for the default lookup
	Progress      io.Writer // download progress output, nil disables it
}

// Acquirer ensures a complete raw dataset exists locally
type Acquirer struct {
	config Config
}

// NewAcquirer creates an acquirer
func NewAcquirer(config Config) *Acquirer {
	return &Acquirer{config: config}
}

// ExtractedPath returns the folder holding one sub-folder per class
func (a *Acquirer) ExtractedPath() string {
	return filepath.Join(a.config.RawDir, a.config.ExtractSubdir)
}

// Scan reports what is currently on disk
func (a *Acquirer) Scan() (*dataset.Manifest, error) {
	return dataset.Scan(a.ExtractedPath(), a.config.Classes, a.config.Extensions)
}

// EnsureDataset returns the extracted dataset path, downloading the archive first when
// a class folder is missing or empty. Credentials are only resolved when a download is
// needed.
func (a *Acquirer) EnsureDataset(ctx context.Context) (string, error) {
	path := a.ExtractedPath()

	manifest, err := a.Scan()
	if err != nil {
		return "", err
	}
	if manifest.Complete() {
		klog.Infof("Dataset already present, skipping download: %s", manifest.Summary())
		return path, nil
	}
	klog.Infof("Dataset incomplete at %s: %v", path, manifest.Validate())

	creds, err := LoadCredentials(a.config.ConfigDir)
	if err != nil {
		return "", err
	}

	client := NewClient(a.config.BaseURL, creds)
	client.Progress = a.config.Progress
	archive, err := client.DownloadFile(ctx, a.config.DatasetID, a.config.RawDir)
	if err != nil {
		return "", err
	}

	files, err := Extract(archive, a.config.RawDir)
	if err != nil {
		os.Remove(archive)
		return "", err
	}
	if err := os.Remove(archive); err != nil {
		klog.Warningf("Failed to delete archive %s: %v", archive, err)
	}
	klog.Infof("Extracted %d files into %s", files, a.config.RawDir)

	manifest, err = a.Scan()
	if err != nil {
		return "", err
	}
	if !manifest.Complete() {
		klog.Warningf("Dataset still incomplete after download: %v", manifest.Validate())
	} else {
		klog.Infof("Dataset verified: %s", manifest.Summary())
	}
	return path, nil
}
