package acquire

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"k8s.io/klog/v2"
)

// Extract unpacks the zip archive into dest, creating parents as needed. Entries whose
// path would land outside dest are rejected.
func Extract(archive, dest string) (int, error) {
	reader, err := zip.OpenReader(archive)
	if err != nil {
		return 0, &AcquisitionError{Op: "extract", Detail: archive, Err: err}
	}
	defer reader.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return 0, &AcquisitionError{Op: "extract", Err: err}
	}

	files := 0
	for _, entry := range reader.File {
		target := filepath.Join(root, filepath.FromSlash(entry.Name))
		if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
			return files, &AcquisitionError{
				Op:     "extract",
				Detail: entry.Name,
				Err:    fmt.Errorf("archive entry escapes %s", dest),
			}
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return files, &AcquisitionError{Op: "extract", Err: err}
			}
			continue
		}

		if err := extractFile(entry, target); err != nil {
			return files, &AcquisitionError{Op: "extract", Detail: entry.Name, Err: err}
		}
		files++
		klog.V(2).Infof("Extracted %s", entry.Name)
	}

	return files, nil
}

func extractFile(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	in, err := entry.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
