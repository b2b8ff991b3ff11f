package inference

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BTreeMap/RiskPipe/internal/models"
)

func loadTestModel(t *testing.T, name string) Classifier {
	t.Helper()
	clf, err := LoadModel(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("LoadModel(%s) error: %v", name, err)
	}
	return clf
}

func TestLoadModel_TreeEnsemble(t *testing.T) {
	clf := loadTestModel(t, "model.json")

	tests := []struct {
		name      string
		highBP    float64
		bmi       float64
		wantLabel int
		wantProb  float64
	}{
		{"no bp, normal bmi", 0, 25, 0, sigmoid(-1)},
		{"bp, normal bmi", 1, 25, 1, sigmoid(1)},
		{"no bp, high bmi", 0, 35, 0, sigmoid(-0.5)},
		{"bp, high bmi", 1, 35, 1, sigmoid(1.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v models.FeatureVector
			v[0] = tt.highBP
			v[2] = tt.bmi
			label, err := clf.Predict(v)
			if err != nil {
				t.Fatalf("Predict error: %v", err)
			}
			if label != tt.wantLabel {
				t.Errorf("label = %d, want %d", label, tt.wantLabel)
			}
			proba, err := clf.PredictProba(v)
			if err != nil {
				t.Fatalf("PredictProba error: %v", err)
			}
			if math.Abs(proba[1]-tt.wantProb) > 1e-12 {
				t.Errorf("p1 = %v, want %v", proba[1], tt.wantProb)
			}
			if math.Abs(proba[0]+proba[1]-1) > 1e-12 {
				t.Errorf("probabilities do not sum to 1: %v", proba)
			}
		})
	}
}

func TestLoadModel_Logistic(t *testing.T) {
	clf := loadTestModel(t, "logistic.json")

	var v models.FeatureVector
	proba, err := clf.PredictProba(v)
	if err != nil {
		t.Fatalf("PredictProba error: %v", err)
	}
	if math.Abs(proba[1]-sigmoid(-1)) > 1e-12 {
		t.Errorf("p1 = %v, want %v", proba[1], sigmoid(-1))
	}

	v[0] = 1
	label, err := clf.Predict(v)
	if err != nil {
		t.Fatalf("Predict error: %v", err)
	}
	if label != 1 {
		t.Errorf("label = %d, want 1", label)
	}
}

func TestLoadModel_MissingFile(t *testing.T) {
	if _, err := LoadModel(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseModel_Rejects(t *testing.T) {
	features := `["HighBP","HighChol","BMI","Stroke","HeartDiseaseorAttack","PhysActivity","GenHlth","MentHlth","PhysHlth","DiffWalk","Age","Income"]`
	swapped := `["HighChol","HighBP","BMI","Stroke","HeartDiseaseorAttack","PhysActivity","GenHlth","MentHlth","PhysHlth","DiffWalk","Age","Income"]`
	coef := `[0,0,0,0,0,0,0,0,0,0,0,0]`

	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"unknown kind", `{"kind":"forest","features":` + features + `}`},
		{"missing features", `{"kind":"logistic","intercept":0,"coefficients":` + coef + `}`},
		{"short features", `{"kind":"logistic","features":["HighBP"],"intercept":0,"coefficients":` + coef + `}`},
		{"feature order", `{"kind":"logistic","features":` + swapped + `,"intercept":0,"coefficients":` + coef + `}`},
		{"xgboost without trees", `{"kind":"xgboost","features":` + features + `}`},
		{"logistic without coefficients", `{"kind":"logistic","features":` + features + `,"intercept":0}`},
		{"threshold out of range", `{"kind":"logistic","features":` + features + `,"intercept":0,"coefficients":` + coef + `,"threshold":1.5}`},
		{"unknown split feature", `{"kind":"xgboost","features":` + features + `,"trees":[{"nodeid":0,"split":"Weight","split_condition":1,"yes":1,"no":2,"children":[{"nodeid":1,"leaf":0},{"nodeid":2,"leaf":1}]}]}`},
		{"dangling child", `{"kind":"xgboost","features":` + features + `,"trees":[{"nodeid":0,"split":"BMI","split_condition":1,"yes":1,"no":3,"children":[{"nodeid":1,"leaf":0},{"nodeid":2,"leaf":1}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseModel([]byte(tt.data)); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestClassifier_RejectsNonFinite(t *testing.T) {
	clf := NewLogistic(0, models.FeatureVector{}, 0)
	var v models.FeatureVector
	v[2] = math.NaN()
	if _, err := clf.Predict(v); !errors.Is(err, ErrInvalidVector) {
		t.Errorf("Predict err = %v, want ErrInvalidVector", err)
	}
	v[2] = math.Inf(1)
	if _, err := clf.PredictProba(v); !errors.Is(err, ErrInvalidVector) {
		t.Errorf("PredictProba err = %v, want ErrInvalidVector", err)
	}
}

func TestClassifier_Threshold(t *testing.T) {
	// p1 = sigmoid(0) = 0.5
	at := NewLogistic(0, models.FeatureVector{}, 0.5)
	if label, _ := at.Predict(models.FeatureVector{}); label != 1 {
		t.Errorf("label at threshold = %d, want 1", label)
	}
	above := NewLogistic(0, models.FeatureVector{}, 0.6)
	if label, _ := above.Predict(models.FeatureVector{}); label != 0 {
		t.Errorf("label below threshold = %d, want 0", label)
	}
}

type failingClassifier struct {
	predictErr error
	probaErr   error
}

func (f failingClassifier) Predict(models.FeatureVector) (int, error) { return 1, f.predictErr }
func (f failingClassifier) PredictProba(models.FeatureVector) ([2]float64, error) {
	return [2]float64{0.2, 0.8}, f.probaErr
}

func TestInvoker_Infer(t *testing.T) {
	iv := NewInvoker(loadTestModel(t, "model.json"))
	var v models.FeatureVector
	v[0] = 1
	v[2] = 35

	res, err := iv.Infer(context.Background(), v)
	if err != nil {
		t.Fatalf("Infer error: %v", err)
	}
	if res.Label != 1 {
		t.Errorf("label = %d, want 1", res.Label)
	}
	if math.Abs(res.Probability-sigmoid(1.5)) > 1e-12 {
		t.Errorf("probability = %v, want %v", res.Probability, sigmoid(1.5))
	}
}

func TestInvoker_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")

	if _, err := NewInvoker(failingClassifier{predictErr: boom}).Infer(context.Background(), models.FeatureVector{}); !errors.Is(err, boom) {
		t.Errorf("Predict failure: err = %v, want boom", err)
	}
	if _, err := NewInvoker(failingClassifier{probaErr: boom}).Infer(context.Background(), models.FeatureVector{}); !errors.Is(err, boom) {
		t.Errorf("PredictProba failure: err = %v, want boom", err)
	}
}

func TestRenderResult(t *testing.T) {
	high := RenderResult(models.InferenceResult{Label: 1, Probability: 0.8712})
	if high != "⚠️ High risk of diabetes detected.\nProbability: 87.12%" {
		t.Errorf("high risk text = %q", high)
	}
	low := RenderResult(models.InferenceResult{Label: 0, Probability: 0.12})
	if low != "✅ Low risk of diabetes.\nProbability: 12.00%" {
		t.Errorf("low risk text = %q", low)
	}
	if !strings.Contains(RenderResult(models.InferenceResult{Label: 0, Probability: 0.999}), "Low risk") {
		t.Error("label decides the wording, not the probability")
	}
}
