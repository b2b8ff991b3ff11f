package inference

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/RiskPipe/internal/models"
)

// Invoker runs the classifier for one feature vector at a time.
// The classifier is read-only so an Invoker can be shared by every session.
type Invoker struct {
	clf Classifier
}

// NewInvoker wraps a loaded classifier.
func NewInvoker(clf Classifier) *Invoker {
	return &Invoker{clf: clf}
}

// Infer calls Predict and PredictProba and combines them into a result.
// Classifier errors are returned as-is, wrapped with context; there is no retry.
func (iv *Invoker) Infer(ctx context.Context, v models.FeatureVector) (models.InferenceResult, error) {
	label, err := iv.clf.Predict(v)
	if err != nil {
		slog.Error("Invoker Predict failed", "error", err)
		return models.InferenceResult{}, fmt.Errorf("predict: %w", err)
	}
	proba, err := iv.clf.PredictProba(v)
	if err != nil {
		slog.Error("Invoker PredictProba failed", "error", err)
		return models.InferenceResult{}, fmt.Errorf("predict_proba: %w", err)
	}
	result := models.InferenceResult{Label: label, Probability: proba[1]}
	slog.Debug("Invoker Infer succeeded", "label", result.Label, "percent", result.Percent())
	return result, nil
}

// RenderResult formats a result the way it is shown to participants.
func RenderResult(r models.InferenceResult) string {
	if r.HighRisk() {
		return fmt.Sprintf("⚠️ High risk of diabetes detected.\nProbability: %.2f%%", r.Percent())
	}
	return fmt.Sprintf("✅ Low risk of diabetes.\nProbability: %.2f%%", r.Percent())
}
