// Package flow implements the questionnaire: answer parsing, the conversation
// state machine, feature assembly and per-participant session management.
package flow

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/BTreeMap/RiskPipe/internal/models"
)

// ErrInvalidAnswer is returned by ParseStrict when an answer cannot be interpreted.
var ErrInvalidAnswer = errors.New("invalid answer")

// affirmativeAnswers are the tokens read as "yes". Anything else is "no".
var affirmativeAnswers = map[string]bool{
	"yes":  true,
	"1":    true,
	"y":    true,
	"yeah": true,
	"yep":  true,
}

// negativeAnswers is only consulted in strict mode.
var negativeAnswers = map[string]bool{
	"no":   true,
	"0":    true,
	"n":    true,
	"nope": true,
	"nah":  true,
}

// NormalizeAnswer produces the stored form of a raw answer.
func NormalizeAnswer(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Parse maps a raw answer for the question at index to its numeric value.
// It never fails: malformed input falls back to the question's default and
// non-affirmative boolean input reads as 0.
func Parse(index int, raw string) float64 {
	q, err := models.Question(index)
	if err != nil {
		return 0
	}
	v, err := parseKind(q, NormalizeAnswer(raw), false)
	if err != nil {
		return q.Default
	}
	return v
}

// ParseStrict is Parse without fallbacks. Unrecognized booleans, unparsable
// numbers and out-of-range ordinals yield ErrInvalidAnswer.
func ParseStrict(index int, raw string) (float64, error) {
	q, err := models.Question(index)
	if err != nil {
		return 0, err
	}
	return parseKind(q, NormalizeAnswer(raw), true)
}

func parseKind(q models.QuestionSpec, token string, strict bool) (float64, error) {
	switch q.Kind {
	case models.KindBoolean:
		if affirmativeAnswers[token] {
			return 1, nil
		}
		if strict && !negativeAnswers[token] {
			return 0, fmt.Errorf("%w: %q is not yes or no", ErrInvalidAnswer, token)
		}
		return 0, nil

	case models.KindContinuous:
		v, err := strconv.ParseFloat(token, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidAnswer, token)
		}
		return v, nil

	case models.KindOrdinalSmall, models.KindDayCount, models.KindOrdinalAge, models.KindOrdinalIncome:
		n, err := strconv.Atoi(token)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a whole number", ErrInvalidAnswer, token)
		}
		lo, hi, _ := q.Kind.Bounds()
		v := float64(n)
		if strict && (v < lo || v > hi) {
			return 0, fmt.Errorf("%w: %d is outside %g-%g", ErrInvalidAnswer, n, lo, hi)
		}
		return clamp(v, lo, hi), nil

	default:
		return 0, fmt.Errorf("unknown answer kind %q", q.Kind)
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
