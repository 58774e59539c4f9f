// Package checkpoints stores trained classifiers as a directory holding a GoMLX
// checkpoint of every context variable plus a JSON manifest.
package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	mlcheckpoints "github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Save writes every variable of ctx and the manifest to dir. The artifact is assembled in
// a sibling temporary directory and then moved into place, replacing any previous
// artifact as a whole; on failure the previous artifact is left untouched.
func Save(ctx *context.Context, dir string, manifest *Manifest) error {
	if manifest.FormatVersion == "" {
		manifest.FormatVersion = FormatVersion
	}
	if manifest.RunID == "" {
		manifest.RunID = uuid.NewString()
	}
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = time.Now().UTC()
	}
	if err := manifest.Validate(); err != nil {
		return fmt.Errorf("refusing to save artifact: %w", err)
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", parent, err)
	}

	tmp := filepath.Join(parent, fmt.Sprintf(".%s.tmp-%s", filepath.Base(dir), manifest.RunID))
	if err := os.RemoveAll(tmp); err != nil {
		return fmt.Errorf("failed to clear %s: %w", tmp, err)
	}

	if err := saveVariables(ctx, tmp); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := writeManifest(tmp, manifest); err != nil {
		os.RemoveAll(tmp)
		return err
	}

	if err := os.RemoveAll(dir); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("failed to remove previous artifact %s: %w", dir, err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		os.RemoveAll(tmp)
		return fmt.Errorf("failed to move artifact into %s: %w", dir, err)
	}

	klog.Infof("Saved model %s to %s", manifest.RunID, dir)
	return nil
}

func saveVariables(ctx *context.Context, dir string) error {
	err := exceptions.TryCatch[error](func() {
		handler, err := mlcheckpoints.Build(ctx).Dir(dir).Keep(1).Done()
		if err != nil {
			panic(err)
		}
		if err := handler.Save(); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to save variables to %s: %w", dir, err)
	}
	return nil
}

// Restore reads the manifest of the artifact at dir and attaches its checkpoint to ctx.
// Variables are loaded as the graph asks for them, so ctx must be fresh and the same graph
// must be rebuilt on ctx.Reuse() or ctx.Checked(false): a checked context refuses to
// create a variable the checkpoint already holds.
func Restore(ctx *context.Context, dir string) (*Manifest, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}

	err = exceptions.TryCatch[error](func() {
		if _, err := mlcheckpoints.Build(ctx).Dir(dir).Done(); err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint from %s: %w", dir, err)
	}

	klog.V(1).Infof("Restored model %s (%s, %d epochs) from %s", manifest.RunID, manifest.Backbone, manifest.Epochs, dir)
	return manifest, nil
}
