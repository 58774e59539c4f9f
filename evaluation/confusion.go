package evaluation

import "fmt"

// ConfusionMatrix counts predictions per (true class, predicted class) pair
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates an empty confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Add records one prediction
func (cm *ConfusionMatrix) Add(trueClass, predictedClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses {
		return fmt.Errorf("true class %d out of range [0, %d)", trueClass, cm.NumClasses)
	}
	if predictedClass < 0 || predictedClass >= cm.NumClasses {
		return fmt.Errorf("predicted class %d out of range [0, %d)", predictedClass, cm.NumClasses)
	}
	cm.Matrix[trueClass][predictedClass]++
	cm.TotalSamples++
	return nil
}

// Support returns the number of samples whose true class is class
func (cm *ConfusionMatrix) Support(class int) int {
	total := 0
	for _, n := range cm.Matrix[class] {
		total += n
	}
	return total
}

// Predicted returns the number of samples predicted as class
func (cm *ConfusionMatrix) Predicted(class int) int {
	total := 0
	for i := range cm.Matrix {
		total += cm.Matrix[i][class]
	}
	return total
}

// Precision of one class; zero when the class was never predicted
func (cm *ConfusionMatrix) Precision(class int) float64 {
	predicted := cm.Predicted(class)
	if predicted == 0 {
		return 0
	}
	return float64(cm.Matrix[class][class]) / float64(predicted)
}

// Recall of one class; zero when the class has no samples
func (cm *ConfusionMatrix) Recall(class int) float64 {
	support := cm.Support(class)
	if support == 0 {
		return 0
	}
	return float64(cm.Matrix[class][class]) / float64(support)
}

// F1 of one class
func (cm *ConfusionMatrix) F1(class int) float64 {
	precision := cm.Precision(class)
	recall := cm.Recall(class)
	if precision+recall == 0 {
		return 0
	}
	return 2 * precision * recall / (precision + recall)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}
