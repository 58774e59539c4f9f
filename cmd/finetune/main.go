// finetune downloads the cats-vs-dogs dataset, curates a train/test split, fine-tunes a
// pretrained image classifier on it and serves predictions.
//
//	finetune run               download, curate, train and evaluate
//	finetune predict cat.jpg   classify images with the saved model
//	finetune serve             expose POST /predict over HTTP
package main

import (
	"errors"
	"flag"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/simplego"
	_ "github.com/gomlx/gomlx/backends/xla"
)

func main() {
	defer klog.Flush()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		klog.Warningf("Failed to load .env: %v", err)
	}

	if err := newRootCommand().Execute(); err != nil {
		klog.Errorf("Error: %v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "finetune",
		Short:         "Fine-tune a pretrained image classifier on cats vs dogs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML configuration file (defaults apply when empty)")
	root.PersistentFlags().StringVar(&opts.backbone, "backbone", "", "override model.backbone (inceptionv3-imagenet or pointwise)")
	root.PersistentFlags().BoolVar(&opts.noProgress, "no-progress", false, "disable progress bars")

	root.AddCommand(
		newDownloadCommand(opts),
		newCurateCommand(opts),
		newTrainCommand(opts),
		newEvaluateCommand(opts),
		newRunCommand(opts),
		newPredictCommand(opts),
		newServeCommand(opts),
	)
	return root
}
