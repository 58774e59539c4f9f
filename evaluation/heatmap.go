package evaluation

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// matrixGrid exposes a confusion matrix as a plotter.GridXYZ with true classes on the
// vertical axis, first class on top
type matrixGrid struct {
	cm *ConfusionMatrix
}

func (g matrixGrid) Dims() (c, r int) { return g.cm.NumClasses, g.cm.NumClasses }
func (g matrixGrid) X(c int) float64  { return float64(c) }
func (g matrixGrid) Y(r int) float64  { return float64(r) }

func (g matrixGrid) Z(c, r int) float64 {
	return float64(g.cm.Matrix[g.cm.NumClasses-1-r][c])
}

// WriteHeatmap renders the confusion matrix as an annotated heat map. The image format
// follows the file extension.
func (r *Report) WriteHeatmap(path string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Confusion Matrix (accuracy %.2f)", r.Accuracy)
	p.X.Label.Text = "Predicted"
	p.Y.Label.Text = "True"

	cmap := moreland.SmoothBlueRed()
	cmap.SetMin(0)
	cmap.SetMax(1)
	heat := plotter.NewHeatMap(matrixGrid{r.Confusion}, cmap.Palette(64))
	if heat.Min == heat.Max {
		heat.Max = heat.Min + 1
	}
	p.Add(heat)

	n := r.Confusion.NumClasses
	cells := plotter.XYLabels{
		XYs:    make(plotter.XYs, 0, n*n),
		Labels: make([]string, 0, n*n),
	}
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			cells.XYs = append(cells.XYs, plotter.XY{X: float64(col), Y: float64(n - 1 - row)})
			cells.Labels = append(cells.Labels, strconv.Itoa(r.Confusion.Matrix[row][col]))
		}
	}
	labels, err := plotter.NewLabels(cells)
	if err != nil {
		return fmt.Errorf("failed to label heat map: %w", err)
	}
	p.Add(labels)

	xTicks := make([]plot.Tick, n)
	yTicks := make([]plot.Tick, n)
	for i, class := range r.Classes {
		xTicks[i] = plot.Tick{Value: float64(i), Label: class}
		yTicks[i] = plot.Tick{Value: float64(n - 1 - i), Label: class}
	}
	p.X.Tick.Marker = plot.ConstantTicks(xTicks)
	p.Y.Tick.Marker = plot.ConstantTicks(yTicks)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := p.Save(5*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save confusion matrix to %s: %w", path, err)
	}
	return nil
}
