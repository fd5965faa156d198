package phases

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ParseError is a model response that did not match the expected structure
type ParseError struct {
	Stage string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s response: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// decodeJSON extracts the outermost JSON object from raw, decodes it into v
// and validates struct tags
func decodeJSON(stage, raw string, v any) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end <= start {
		return &ParseError{Stage: stage, Err: fmt.Errorf("no JSON object in response")}
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), v); err != nil {
		return &ParseError{Stage: stage, Err: err}
	}
	if err := validate.Struct(v); err != nil {
		return &ParseError{Stage: stage, Err: err}
	}
	return nil
}

// Score is a 0-10 rating that accepts numbers, numeric strings or junk.
// Anything unreadable becomes the midpoint.
type Score float64

const midpoint Score = 5

func (s *Score) UnmarshalJSON(b []byte) error {
	var f float64
	var str string
	switch {
	case string(b) == "null":
		*s = midpoint
		return nil
	case json.Unmarshal(b, &f) == nil:
	case json.Unmarshal(b, &str) == nil:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(str), "/10")), 64)
		if err != nil {
			*s = midpoint
			return nil
		}
		f = parsed
	default:
		*s = midpoint
		return nil
	}
	*s = Clamp(f)
	return nil
}

// Clamp bounds a score to [0,10]; NaN becomes the midpoint
func Clamp(f float64) Score {
	switch {
	case math.IsNaN(f):
		return midpoint
	case f < 0:
		return 0
	case f > 10:
		return 10
	}
	return Score(f)
}

// value returns the score, or the midpoint when it was absent
func value(s *Score) float64 {
	if s == nil {
		return float64(midpoint)
	}
	return float64(*s)
}
