package inference

import "github.com/BTreeMap/RiskPipe/internal/models"

// logisticModel is a linear model over the feature vector.
type logisticModel struct {
	intercept    float64
	coefficients models.FeatureVector
}

func (m *logisticModel) margin(v models.FeatureVector) float64 {
	z := m.intercept
	for i, x := range v {
		z += m.coefficients[i] * x
	}
	return z
}

// NewLogistic builds a classifier from an intercept and one coefficient per feature.
func NewLogistic(intercept float64, coefficients models.FeatureVector, threshold float64) Classifier {
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultThreshold
	}
	return &binaryClassifier{
		model:     &logisticModel{intercept: intercept, coefficients: coefficients},
		threshold: threshold,
	}
}
