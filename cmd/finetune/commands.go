package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/soumenmaity3/cnn-finetune/config"
	"github.com/soumenmaity3/cnn-finetune/inference"
	"github.com/soumenmaity3/cnn-finetune/pipeline"
	"github.com/soumenmaity3/cnn-finetune/server"
	"github.com/soumenmaity3/cnn-finetune/vision/preprocessing"
)

// options are the persistent flags and the configuration they resolve to
type options struct {
	configPath string
	backbone   string
	noProgress bool

	config *config.Config
}

func (o *options) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.backbone != "" {
		cfg.Model.Backbone = o.backbone
	}
	if o.noProgress {
		cfg.Training.ProgressBar = false
	}
	o.config = cfg
	return nil
}

// pipeline creates the stage runner; withBackend also creates the compute backend
func (o *options) pipeline(withBackend bool) (*pipeline.Pipeline, error) {
	var backend backends.Backend
	if withBackend {
		var err error
		if backend, err = newBackend(); err != nil {
			return nil, err
		}
	}
	return pipeline.New(o.config, backend), nil
}

func newBackend() (backends.Backend, error) {
	var backend backends.Backend
	err := exceptions.TryCatch[error](func() {
		backend = backends.New()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create compute backend: %w", err)
	}
	klog.Infof("Compute backend: %s", backend.Name())
	return backend, nil
}

func newDownloadCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Download and extract the raw dataset unless it is already present",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.pipeline(false)
			if err != nil {
				return err
			}
			path, err := p.Download(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newCurateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "curate",
		Short: "Remove corrupted images and write the train/test split",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.pipeline(false)
			if err != nil {
				return err
			}
			_, _, err = p.Curate(opts.config.ExtractedPath())
			return err
		},
	}
}

func newTrainCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "train",
		Short: "Fine-tune the classifier on the curated split and save it",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.pipeline(true)
			if err != nil {
				return err
			}
			_, err = p.Train(opts.config.TrainDir(), opts.config.TestDir())
			return err
		},
	}
}

func newEvaluateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Score the saved model on the test split",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.pipeline(true)
			if err != nil {
				return err
			}
			report, err := p.Evaluate(opts.config.TestDir())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report)
			return nil
		},
	}
}

func newRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run download, curate, train and evaluate in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.pipeline(true)
			if err != nil {
				return err
			}
			return p.Run(cmd.Context())
		},
	}
}

func newPredictCommand(opts *options) *cobra.Command {
	var artifact string
	cmd := &cobra.Command{
		Use:   "predict <image>...",
		Short: "Classify images with the saved model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if artifact == "" {
				artifact = opts.config.Training.ArtifactPath
			}
			model, err := inference.Load(artifact)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, path := range args {
				img, err := preprocessing.DecodeFile(path)
				if err != nil {
					return err
				}
				prediction, err := model.PredictImage(img)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if err := enc.Encode(struct {
					File string `json:"file"`
					inference.Prediction
				}{path, prediction}); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&artifact, "model", "", "model artifact directory (defaults to training.artifact_path)")
	must.M(cmd.MarkFlagDirname("model"))
	return cmd
}

func newServeCommand(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve predictions over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.config
			if addr == "" {
				addr = cfg.Serve.Addr
			}

			var predictor server.Predictor
			model, err := inference.Load(cfg.Training.ArtifactPath)
			if err != nil {
				// Like a server whose model failed to load: /health reports it, /predict fails
				klog.Errorf("Error loading model: %v", err)
			} else {
				predictor = model
			}

			srv := server.NewServer(addr, server.NewHandler(predictor, cfg.Serve.MaxUploadBytes).Routes())
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errs := make(chan error, 1)
			go func() {
				klog.Infof("Listening on %s", addr)
				errs <- srv.ListenAndServe()
			}()

			select {
			case err := <-errs:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				klog.Info("Shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to serve.addr)")
	return cmd
}
