package training

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// EpochStats holds the metrics of one training epoch
type EpochStats struct {
	Epoch         int           `json:"epoch"`
	TrainLoss     float64       `json:"loss"`
	TrainAccuracy float64       `json:"accuracy"`
	ValLoss       float64       `json:"val_loss"`
	ValAccuracy   float64       `json:"val_accuracy"`
	Duration      time.Duration `json:"duration"`
}

// History records per-epoch metrics of a fit
type History struct {
	Epochs []EpochStats `json:"epochs"`
}

// Add appends the metrics of a completed epoch
func (h *History) Add(stats EpochStats) {
	h.Epochs = append(h.Epochs, stats)
}

// Len returns the number of completed epochs
func (h *History) Len() int {
	return len(h.Epochs)
}

// Last returns the most recent epoch
func (h *History) Last() (EpochStats, bool) {
	if len(h.Epochs) == 0 {
		return EpochStats{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// Best returns the epoch with the highest validation accuracy, the earliest on ties
func (h *History) Best() (EpochStats, bool) {
	if len(h.Epochs) == 0 {
		return EpochStats{}, false
	}
	best := h.Epochs[0]
	for _, e := range h.Epochs[1:] {
		if e.ValAccuracy > best.ValAccuracy {
			best = e
		}
	}
	return best, true
}

// FinalMetrics returns the last epoch's metrics keyed Keras-style
func (h *History) FinalMetrics() map[string]float64 {
	last, ok := h.Last()
	if !ok {
		return nil
	}
	return map[string]float64{
		"loss":         last.TrainLoss,
		"accuracy":     last.TrainAccuracy,
		"val_loss":     last.ValLoss,
		"val_accuracy": last.ValAccuracy,
	}
}

// Render writes an HTML page with a loss chart and an accuracy chart
func (h *History) Render(w io.Writer) error {
	x := make([]string, len(h.Epochs))
	trainLoss := make([]opts.LineData, len(h.Epochs))
	valLoss := make([]opts.LineData, len(h.Epochs))
	trainAcc := make([]opts.LineData, len(h.Epochs))
	valAcc := make([]opts.LineData, len(h.Epochs))
	for i, e := range h.Epochs {
		x[i] = strconv.Itoa(e.Epoch)
		trainLoss[i] = opts.LineData{Value: e.TrainLoss}
		valLoss[i] = opts.LineData{Value: e.ValLoss}
		trainAcc[i] = opts.LineData{Value: e.TrainAccuracy}
		valAcc[i] = opts.LineData{Value: e.ValAccuracy}
	}

	loss := newEpochChart("Loss", fmt.Sprintf("%d epochs", len(h.Epochs)), x)
	loss.AddSeries("train", trainLoss).AddSeries("validation", valLoss)

	acc := newEpochChart("Accuracy", "", x)
	acc.AddSeries("train", trainAcc).AddSeries("validation", valAcc)

	page := components.NewPage()
	page.PageTitle = "Training History"
	page.AddCharts(loss, acc)
	return page.Render(w)
}

func newEpochChart(title, subtitle string, x []string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "epoch", NameLocation: "middle", NameGap: 25}),
	)
	line.SetXAxis(x)
	return line
}

// WriteReport renders the history to an HTML file, creating parent directories
func (h *History) WriteReport(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := h.Render(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to render history: %w", err)
	}
	return f.Close()
}
