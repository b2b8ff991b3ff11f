package flow

import (
	"fmt"

	"github.com/BTreeMap/RiskPipe/internal/models"
)

// Assemble parses a complete answer history into the classifier's feature vector.
func Assemble(history []string) (models.FeatureVector, error) {
	var v models.FeatureVector
	if len(history) != models.QuestionCount {
		return v, fmt.Errorf("got %d answers, need %d: %w", len(history), models.QuestionCount, ErrIncompleteHistory)
	}
	for i, raw := range history {
		v[i] = Parse(i, raw)
	}
	return v, nil
}

// AssembleForm packs validated direct-form values in the same slot order as Assemble.
func AssembleForm(f models.FormInput) (models.FeatureVector, error) {
	if err := f.Validate(); err != nil {
		return models.FeatureVector{}, err
	}
	return models.FeatureVector{
		float64(f.BloodPressureFlag()),
		float64(f.CholesterolFlag()),
		f.BMI,
		float64(f.Stroke),
		float64(f.HeartDiseaseorAttack),
		float64(f.PhysActivity),
		float64(f.GenHlth),
		float64(f.MentHlth),
		float64(f.PhysHlth),
		float64(f.DiffWalk),
		float64(f.Age),
		float64(f.Income),
	}, nil
}
