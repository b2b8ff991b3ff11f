// Package inference loads the diabetes risk classifier and turns feature vectors
// into labelled results.
package inference

import (
	"errors"
	"fmt"
	"math"

	"github.com/BTreeMap/RiskPipe/internal/models"
)

// DefaultThreshold is the positive-class probability at which Predict returns 1.
const DefaultThreshold = 0.5

// ErrInvalidVector is returned when a feature vector contains NaN or infinite values.
var ErrInvalidVector = errors.New("invalid feature vector")

// Classifier is a binary classifier over the fixed feature vector.
type Classifier interface {
	// Predict returns the class label, 0 or 1.
	Predict(v models.FeatureVector) (int, error)
	// PredictProba returns the probabilities of class 0 and class 1.
	PredictProba(v models.FeatureVector) ([2]float64, error)
}

// marginModel is implemented by models that produce a raw log-odds score.
type marginModel interface {
	margin(v models.FeatureVector) float64
}

// binaryClassifier adapts a margin model to the Classifier contract.
type binaryClassifier struct {
	model     marginModel
	threshold float64
}

func (c *binaryClassifier) PredictProba(v models.FeatureVector) ([2]float64, error) {
	if err := checkVector(v); err != nil {
		return [2]float64{}, err
	}
	p := sigmoid(c.model.margin(v))
	return [2]float64{1 - p, p}, nil
}

func (c *binaryClassifier) Predict(v models.FeatureVector) (int, error) {
	proba, err := c.PredictProba(v)
	if err != nil {
		return 0, err
	}
	if proba[1] >= c.threshold {
		return 1, nil
	}
	return 0, nil
}

func checkVector(v models.FeatureVector) error {
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: slot %d (%s) is %v", ErrInvalidVector, i, models.FeatureNames()[i], x)
		}
	}
	return nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func logit(p float64) float64 {
	return math.Log(p / (1 - p))
}
