package models

import "fmt"

// AnswerKind classifies how a raw questionnaire answer is interpreted.
type AnswerKind string

const (
	// KindBoolean is a yes/no answer encoded as 0 or 1.
	KindBoolean AnswerKind = "boolean"
	// KindContinuous is a free real number (BMI).
	KindContinuous AnswerKind = "continuous"
	// KindOrdinalSmall is an integer scale 1..5.
	KindOrdinalSmall AnswerKind = "ordinal_small"
	// KindDayCount is a number of days in the last month, 0..30.
	KindDayCount AnswerKind = "day_count"
	// KindOrdinalAge is the 13-level age category.
	KindOrdinalAge AnswerKind = "ordinal_age"
	// KindOrdinalIncome is the 8-level income category.
	KindOrdinalIncome AnswerKind = "ordinal_income"
)

// Bounds returns the inclusive numeric domain of the kind.
// Continuous answers are unbounded and report ok=false.
func (k AnswerKind) Bounds() (lo, hi float64, ok bool) {
	switch k {
	case KindBoolean:
		return 0, 1, true
	case KindOrdinalSmall:
		return 1, 5, true
	case KindDayCount:
		return 0, 30, true
	case KindOrdinalAge:
		return 1, 13, true
	case KindOrdinalIncome:
		return 1, 8, true
	default:
		return 0, 0, false
	}
}

// QuestionSpec describes one entry of the questionnaire.
// Index doubles as the slot of the answer in the feature vector.
type QuestionSpec struct {
	Index   int        `json:"index"`
	Key     string     `json:"key"`
	Prompt  string     `json:"prompt"`
	Kind    AnswerKind `json:"kind"`
	Default float64    `json:"default"`
}

// Feature names in classifier order.
const (
	FeatureHighBP               = "HighBP"
	FeatureHighChol             = "HighChol"
	FeatureBMI                  = "BMI"
	FeatureStroke               = "Stroke"
	FeatureHeartDiseaseorAttack = "HeartDiseaseorAttack"
	FeaturePhysActivity         = "PhysActivity"
	FeatureGenHlth              = "GenHlth"
	FeatureMentHlth             = "MentHlth"
	FeaturePhysHlth             = "PhysHlth"
	FeatureDiffWalk             = "DiffWalk"
	FeatureAge                  = "Age"
	FeatureIncome               = "Income"
)

// QuestionCount is the number of questions and the length of a feature vector.
const QuestionCount = 12

var questionCatalog = [QuestionCount]QuestionSpec{
	{Index: 0, Key: FeatureHighBP, Prompt: "Have you been told you have high blood pressure? (yes/no)", Kind: KindBoolean, Default: 0},
	{Index: 1, Key: FeatureHighChol, Prompt: "Have you been told you have high cholesterol? (yes/no)", Kind: KindBoolean, Default: 0},
	{Index: 2, Key: FeatureBMI, Prompt: "What is your Body Mass Index (BMI)? (e.g. 24.5)", Kind: KindContinuous, Default: 25.0},
	{Index: 3, Key: FeatureStroke, Prompt: "Have you ever had a stroke? (yes/no)", Kind: KindBoolean, Default: 0},
	{Index: 4, Key: FeatureHeartDiseaseorAttack, Prompt: "Have you ever had coronary heart disease or a heart attack? (yes/no)", Kind: KindBoolean, Default: 0},
	{Index: 5, Key: FeaturePhysActivity, Prompt: "Have you done any physical activity in the past 30 days, not counting your job? (yes/no)", Kind: KindBoolean, Default: 0},
	{Index: 6, Key: FeatureGenHlth, Prompt: "How would you rate your general health from 1 (excellent) to 5 (poor)?", Kind: KindOrdinalSmall, Default: 3},
	{Index: 7, Key: FeatureMentHlth, Prompt: "On how many of the last 30 days was your mental health not good? (0-30)", Kind: KindDayCount, Default: 5},
	{Index: 8, Key: FeaturePhysHlth, Prompt: "On how many of the last 30 days was your physical health not good? (0-30)", Kind: KindDayCount, Default: 5},
	{Index: 9, Key: FeatureDiffWalk, Prompt: "Do you have serious difficulty walking or climbing stairs? (yes/no)", Kind: KindBoolean, Default: 0},
	{Index: 10, Key: FeatureAge, Prompt: "What is your age category? (1 = 18-24, 2 = 25-29, ... 13 = 80 or older)", Kind: KindOrdinalAge, Default: 5},
	{Index: 11, Key: FeatureIncome, Prompt: "What is your income category from 1 (lowest) to 8 (highest)?", Kind: KindOrdinalIncome, Default: 4},
}

// Questions returns a copy of the questionnaire in answer order.
func Questions() []QuestionSpec {
	out := make([]QuestionSpec, QuestionCount)
	copy(out, questionCatalog[:])
	return out
}

// Question returns the question at index.
func Question(index int) (QuestionSpec, error) {
	if index < 0 || index >= QuestionCount {
		return QuestionSpec{}, fmt.Errorf("question index %d out of range [0,%d)", index, QuestionCount)
	}
	return questionCatalog[index], nil
}

// FeatureNames returns the feature keys in vector order.
func FeatureNames() []string {
	names := make([]string, QuestionCount)
	for i, q := range questionCatalog {
		names[i] = q.Key
	}
	return names
}
