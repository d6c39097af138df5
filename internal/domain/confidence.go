package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Percentages assigned to VIIRS categorical confidence.
const (
	confidenceLowPct     = 30
	confidenceNominalPct = 60
	confidenceHighPct    = 90
)

// Confidence is a detection confidence on a 0–100 scale. Label keeps the
// categorical value when the instrument reported one.
type Confidence struct {
	Label   string  `json:"label,omitempty"`
	Percent float64 `json:"percent"`
}

// Factor returns the confidence normalized to [0,1].
func (c Confidence) Factor() float64 {
	return clamp01(c.Percent / 100)
}

// ParseConfidence accepts "l"/"low", "n"/"nominal", "h"/"high" or a number in
// [0,100]. An empty string is zero confidence.
func ParseConfidence(s string) (Confidence, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return Confidence{}, nil
	case "l", "low":
		return Confidence{Label: "low", Percent: confidenceLowPct}, nil
	case "n", "nominal":
		return Confidence{Label: "nominal", Percent: confidenceNominalPct}, nil
	case "h", "high":
		return Confidence{Label: "high", Percent: confidenceHighPct}, nil
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || v < 0 || v > 100 {
		return Confidence{}, fmt.Errorf("invalid confidence %q", s)
	}
	return Confidence{Percent: v}, nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
