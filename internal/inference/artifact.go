package inference

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/BTreeMap/RiskPipe/internal/models"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Artifact kinds.
const (
	KindXGBoost  = "xgboost"
	KindLogistic = "logistic"
)

const modelSchemaURL = "schema://riskpipe-model.json"

//go:embed model_schema.json
var modelSchemaJSON []byte

var (
	modelSchemaOnce sync.Once
	modelSchema     *jsonschema.Schema
	modelSchemaErr  error
)

// Artifact is the serialized form of a trained classifier.
type Artifact struct {
	Kind         string      `json:"kind"`
	Name         string      `json:"name,omitempty"`
	Features     []string    `json:"features"`
	Threshold    float64     `json:"threshold,omitempty"`
	BaseScore    *float64    `json:"base_score,omitempty"`
	Trees        []*TreeNode `json:"trees,omitempty"`
	Intercept    float64     `json:"intercept,omitempty"`
	Coefficients []float64   `json:"coefficients,omitempty"`
}

func compiledModelSchema() (*jsonschema.Schema, error) {
	modelSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(modelSchemaJSON))
		if err != nil {
			modelSchemaErr = fmt.Errorf("parse model schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(modelSchemaURL, doc); err != nil {
			modelSchemaErr = fmt.Errorf("add model schema: %w", err)
			return
		}
		modelSchema, modelSchemaErr = c.Compile(modelSchemaURL)
	})
	return modelSchema, modelSchemaErr
}

// ParseModel validates a JSON artifact and builds its classifier.
func ParseModel(data []byte) (Classifier, error) {
	schema, err := compiledModelSchema()
	if err != nil {
		return nil, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid model JSON: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("model artifact failed schema validation: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode model artifact: %w", err)
	}
	return a.Classifier()
}

// Classifier builds the classifier described by the artifact.
func (a *Artifact) Classifier() (Classifier, error) {
	if err := checkFeatureOrder(a.Features); err != nil {
		return nil, err
	}

	switch a.Kind {
	case KindXGBoost:
		baseScore := 0.5
		if a.BaseScore != nil {
			baseScore = *a.BaseScore
		}
		return NewTreeEnsemble(a.Trees, baseScore, a.Threshold)
	case KindLogistic:
		if len(a.Coefficients) != models.QuestionCount {
			return nil, fmt.Errorf("logistic model has %d coefficients, need %d", len(a.Coefficients), models.QuestionCount)
		}
		var coef models.FeatureVector
		copy(coef[:], a.Coefficients)
		return NewLogistic(a.Intercept, coef, a.Threshold), nil
	default:
		return nil, fmt.Errorf("unsupported model kind %q", a.Kind)
	}
}

// LoadModel reads and parses the artifact at path.
func LoadModel(path string) (Classifier, error) {
	slog.Debug("Loading classifier artifact", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("Failed to read classifier artifact", "error", err, "path", path)
		return nil, fmt.Errorf("failed to read model %s: %w", path, err)
	}
	clf, err := ParseModel(data)
	if err != nil {
		slog.Error("Failed to parse classifier artifact", "error", err, "path", path)
		return nil, fmt.Errorf("failed to load model %s: %w", path, err)
	}
	slog.Info("Classifier artifact loaded", "path", path)
	return clf, nil
}

func checkFeatureOrder(features []string) error {
	want := models.FeatureNames()
	if len(features) != len(want) {
		return fmt.Errorf("model declares %d features, need %d", len(features), len(want))
	}
	for i := range want {
		if features[i] != want[i] {
			return fmt.Errorf("model feature %d is %q, expected %q", i, features[i], want[i])
		}
	}
	return nil
}
