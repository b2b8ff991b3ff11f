package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/RiskPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeFeatures stores the vector as a JSON array in classifier order.
func encodeFeatures(v models.FeatureVector) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal features: %w", err)
	}
	return string(b), nil
}

func decodeFeatures(s string) (models.FeatureVector, error) {
	var v models.FeatureVector
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return v, fmt.Errorf("unmarshal features: %w", err)
	}
	return v, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanAssessment scans the columns selected by assessmentColumns.
func scanAssessment(row rowScanner) (models.Assessment, error) {
	var a models.Assessment
	var participantID sql.NullString
	var source, featuresJSON string
	if err := row.Scan(&a.ID, &participantID, &source, &featuresJSON, &a.Label, &a.Probability, &a.CreatedAt); err != nil {
		return a, err
	}
	a.ParticipantID = participantID.String
	a.Source = models.AssessmentSource(source)
	features, err := decodeFeatures(featuresJSON)
	if err != nil {
		return a, fmt.Errorf("assessment %s: %w", a.ID, err)
	}
	a.Features = features
	return a, nil
}

const assessmentColumns = `id, participant_id, source, features, label, probability, created_at`
