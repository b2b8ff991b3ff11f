package models

import (
	"errors"
	"fmt"
	"time"
)

// FeatureVector is the fixed-order numeric encoding consumed by the classifier.
// Slot i holds the answer to question i.
type FeatureVector [QuestionCount]float64

// Map returns the vector keyed by feature name.
func (v FeatureVector) Map() map[string]float64 {
	out := make(map[string]float64, QuestionCount)
	for i, name := range FeatureNames() {
		out[name] = v[i]
	}
	return out
}

// InferenceResult is the classifier outcome for one feature vector.
type InferenceResult struct {
	Label       int     `json:"label"`       // 1 = elevated risk, 0 = low risk
	Probability float64 `json:"probability"` // probability of the positive class in [0,1]
}

// Percent returns the positive-class probability scaled to 0..100.
func (r InferenceResult) Percent() float64 {
	return r.Probability * 100
}

// HighRisk reports whether the classifier assigned the positive label.
func (r InferenceResult) HighRisk() bool {
	return r.Label == 1
}

// Thresholds used when blood pressure or cholesterol arrive as measurements.
const (
	HighSystolicThreshold  = 130.0
	HighDiastolicThreshold = 80.0
	HighCholesterolMgPerDL = 200.0
)

// Form widget ranges.
const (
	MinBMI         = 10.0
	MaxBMI         = 60.0
	MinSystolic    = 50.0
	MaxSystolic    = 250.0
	MinDiastolic   = 30.0
	MaxDiastolic   = 150.0
	MinCholesterol = 100.0
	MaxCholesterol = 400.0
)

var (
	ErrMissingBloodPressure = errors.New("either high_bp or both systolic and diastolic are required")
	ErrMissingCholesterol   = errors.New("either high_chol or cholesterol is required")
)

// FormInput carries the already-typed values of the direct form.
// Blood pressure and cholesterol may be given either as a yes/no flag or as a
// measurement; the flag wins when both are present.
type FormInput struct {
	HighBP      *int     `json:"high_bp,omitempty"`
	Systolic    *float64 `json:"systolic,omitempty"`
	Diastolic   *float64 `json:"diastolic,omitempty"`
	HighChol    *int     `json:"high_chol,omitempty"`
	Cholesterol *float64 `json:"cholesterol,omitempty"`

	BMI                  float64 `json:"bmi"`
	Stroke               int     `json:"stroke"`
	HeartDiseaseorAttack int     `json:"heart_disease_or_attack"`
	PhysActivity         int     `json:"phys_activity"`
	GenHlth              int     `json:"gen_hlth"`
	MentHlth             int     `json:"ment_hlth"`
	PhysHlth             int     `json:"phys_hlth"`
	DiffWalk             int     `json:"diff_walk"`
	Age                  int     `json:"age"`
	Income               int     `json:"income"`
}

// Validate checks every field against the ranges offered by the form widgets.
func (f *FormInput) Validate() error {
	if f.HighBP != nil {
		if err := checkFlag("high_bp", *f.HighBP); err != nil {
			return err
		}
	} else {
		if f.Systolic == nil || f.Diastolic == nil {
			return ErrMissingBloodPressure
		}
		if err := checkRange("systolic", *f.Systolic, MinSystolic, MaxSystolic); err != nil {
			return err
		}
		if err := checkRange("diastolic", *f.Diastolic, MinDiastolic, MaxDiastolic); err != nil {
			return err
		}
	}

	if f.HighChol != nil {
		if err := checkFlag("high_chol", *f.HighChol); err != nil {
			return err
		}
	} else {
		if f.Cholesterol == nil {
			return ErrMissingCholesterol
		}
		if err := checkRange("cholesterol", *f.Cholesterol, MinCholesterol, MaxCholesterol); err != nil {
			return err
		}
	}

	if err := checkRange("bmi", f.BMI, MinBMI, MaxBMI); err != nil {
		return err
	}

	flags := []struct {
		name  string
		value int
	}{
		{"stroke", f.Stroke},
		{"heart_disease_or_attack", f.HeartDiseaseorAttack},
		{"phys_activity", f.PhysActivity},
		{"diff_walk", f.DiffWalk},
	}
	for _, fl := range flags {
		if err := checkFlag(fl.name, fl.value); err != nil {
			return err
		}
	}

	ordinals := []struct {
		name  string
		value int
		kind  AnswerKind
	}{
		{"gen_hlth", f.GenHlth, KindOrdinalSmall},
		{"ment_hlth", f.MentHlth, KindDayCount},
		{"phys_hlth", f.PhysHlth, KindDayCount},
		{"age", f.Age, KindOrdinalAge},
		{"income", f.Income, KindOrdinalIncome},
	}
	for _, o := range ordinals {
		lo, hi, _ := o.kind.Bounds()
		if err := checkRange(o.name, float64(o.value), lo, hi); err != nil {
			return err
		}
	}
	return nil
}

// BloodPressureFlag resolves HighBP from the flag or the measurement.
func (f *FormInput) BloodPressureFlag() int {
	if f.HighBP != nil {
		return *f.HighBP
	}
	if f.Systolic != nil && f.Diastolic != nil &&
		(*f.Systolic >= HighSystolicThreshold || *f.Diastolic >= HighDiastolicThreshold) {
		return 1
	}
	return 0
}

// CholesterolFlag resolves HighChol from the flag or the measurement.
func (f *FormInput) CholesterolFlag() int {
	if f.HighChol != nil {
		return *f.HighChol
	}
	if f.Cholesterol != nil && *f.Cholesterol >= HighCholesterolMgPerDL {
		return 1
	}
	return 0
}

func checkFlag(name string, v int) error {
	if v != 0 && v != 1 {
		return fmt.Errorf("%s must be 0 or 1, got %d", name, v)
	}
	return nil
}

func checkRange(name string, v, lo, hi float64) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s must be between %g and %g, got %g", name, lo, hi, v)
	}
	return nil
}

// AssessmentSource identifies which input surface produced an assessment.
type AssessmentSource string

const (
	AssessmentSourceChat AssessmentSource = "chat"
	AssessmentSourceForm AssessmentSource = "form"
)

// Assessment is the stored record of one completed inference.
type Assessment struct {
	ID            string           `json:"id"`
	ParticipantID string           `json:"participant_id,omitempty"`
	Source        AssessmentSource `json:"source"`
	Features      FeatureVector    `json:"features"`
	Label         int              `json:"label"`
	Probability   float64          `json:"probability"`
	CreatedAt     time.Time        `json:"created_at"`
}

// AnswerRequest is the body of POST /chat/sessions/{id}/answers.
type AnswerRequest struct {
	Answer string `json:"answer"`
}

// SessionView describes a chat session to API clients.
type SessionView struct {
	ID       string        `json:"id"`
	Stage    int           `json:"stage"`
	Total    int           `json:"total"`
	Terminal bool          `json:"terminal"`
	Question *QuestionSpec `json:"question,omitempty"`
}

// AssessmentView is returned by inference endpoints.
type AssessmentView struct {
	AssessmentID string             `json:"assessment_id,omitempty"`
	Label        int                `json:"label"`
	Probability  float64            `json:"probability"`
	Percent      float64            `json:"percent"`
	Message      string             `json:"message"`
	Narration    string             `json:"narration,omitempty"`
	Features     map[string]float64 `json:"features"`
}

// InviteRequest is the body of POST /invite.
type InviteRequest struct {
	To string `json:"to"`
}
