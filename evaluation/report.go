package evaluation

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"gonum.org/v1/gonum/stat"
)

// ClassMetrics holds precision, recall and F1 of one class or of an average
type ClassMetrics struct {
	Name      string  `json:"name"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Support   int     `json:"support"`
}

// Report is the outcome of an evaluation pass
type Report struct {
	Classes     []string         `json:"classes"`
	Confusion   *ConfusionMatrix `json:"confusion_matrix"`
	PerClass    []ClassMetrics   `json:"per_class"`
	Accuracy    float64          `json:"accuracy"`
	MacroAvg    ClassMetrics     `json:"macro_avg"`
	WeightedAvg ClassMetrics     `json:"weighted_avg"`
}

// NewReport derives per-class metrics and their averages from a confusion matrix
func NewReport(classes []string, cm *ConfusionMatrix) *Report {
	r := &Report{
		Classes:   classes,
		Confusion: cm,
		Accuracy:  cm.GetAccuracy(),
	}

	n := cm.NumClasses
	precision := make([]float64, n)
	recall := make([]float64, n)
	f1 := make([]float64, n)
	support := make([]float64, n)
	for i := 0; i < n; i++ {
		m := ClassMetrics{
			Name:      classes[i],
			Precision: cm.Precision(i),
			Recall:    cm.Recall(i),
			F1:        cm.F1(i),
			Support:   cm.Support(i),
		}
		r.PerClass = append(r.PerClass, m)
		precision[i], recall[i], f1[i], support[i] = m.Precision, m.Recall, m.F1, float64(m.Support)
	}

	r.MacroAvg = ClassMetrics{
		Name:      "macro avg",
		Precision: stat.Mean(precision, nil),
		Recall:    stat.Mean(recall, nil),
		F1:        stat.Mean(f1, nil),
		Support:   cm.TotalSamples,
	}
	r.WeightedAvg = ClassMetrics{Name: "weighted avg", Support: cm.TotalSamples}
	if cm.TotalSamples > 0 {
		r.WeightedAvg.Precision = stat.Mean(precision, support)
		r.WeightedAvg.Recall = stat.Mean(recall, support)
		r.WeightedAvg.F1 = stat.Mean(f1, support)
	}
	return r
}

// String renders the report as a classification_report style table followed by the
// confusion matrix
func (r *Report) String() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', tabwriter.AlignRight)

	fmt.Fprintln(w, "\tprecision\trecall\tf1-score\tsupport\t")
	fmt.Fprintln(w, "\t\t\t\t\t")
	for _, m := range r.PerClass {
		writeRow(w, m)
	}
	fmt.Fprintln(w, "\t\t\t\t\t")
	fmt.Fprintf(w, "accuracy\t\t\t%.2f\t%d\t\n", r.Accuracy, r.Confusion.TotalSamples)
	writeRow(w, r.MacroAvg)
	writeRow(w, r.WeightedAvg)
	w.Flush()

	buf.WriteString("\nConfusion matrix (rows: true, columns: predicted)\n")
	w = tabwriter.NewWriter(&buf, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprint(w, "\t")
	for _, c := range r.Classes {
		fmt.Fprintf(w, "%s\t", c)
	}
	fmt.Fprintln(w)
	for i, row := range r.Confusion.Matrix {
		fmt.Fprintf(w, "%s\t", r.Classes[i])
		for _, n := range row {
			fmt.Fprintf(w, "%d\t", n)
		}
		fmt.Fprintln(w)
	}
	w.Flush()
	return buf.String()
}

func writeRow(w *tabwriter.Writer, m ClassMetrics) {
	fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.2f\t%d\t\n", m.Name, m.Precision, m.Recall, m.F1, m.Support)
}
