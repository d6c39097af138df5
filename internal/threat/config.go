package threat

import (
	"errors"
	"fmt"
	"math"

	"github.com/couchcryptid/firewatch-service/internal/domain"
)

const weightTolerance = 1e-9

// Weights are the coefficients of the composite score. They must sum to 1.
type Weights struct {
	Confidence float64
	Intensity  float64
	Proximity  float64
	Priority   float64
}

// DefaultWeights favours proximity slightly over the detection's own
// attributes.
func DefaultWeights() Weights {
	return Weights{Confidence: 0.25, Intensity: 0.25, Proximity: 0.30, Priority: 0.20}
}

// Validate checks that every weight is in [0,1] and the total is 1.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"confidence": w.Confidence, "intensity": w.Intensity,
		"proximity": w.Proximity, "priority": w.Priority,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("weight %s=%v outside [0,1]", name, v)
		}
	}
	if sum := w.Confidence + w.Intensity + w.Proximity + w.Priority; math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("weights sum to %v, want 1", sum)
	}
	return nil
}

func (w Weights) score(f domain.Factors) float64 {
	return w.Confidence*f.Confidence + w.Intensity*f.Intensity + w.Proximity*f.Proximity + w.Priority*f.Priority
}

// Thresholds are the minimum scores for each severity tier above LOW.
type Thresholds struct {
	Critical float64
	High     float64
	Medium   float64
}

// DefaultThresholds returns the standard tier cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{Critical: 0.8, High: 0.6, Medium: 0.35}
}

// Validate requires 0 < Medium < High < Critical <= 1.
func (t Thresholds) Validate() error {
	if !(t.Medium > 0 && t.Medium < t.High && t.High < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("thresholds must satisfy 0 < medium(%v) < high(%v) < critical(%v) <= 1", t.Medium, t.High, t.Critical)
	}
	return nil
}

// Classify maps a score onto a severity tier.
func (t Thresholds) Classify(score float64) domain.Severity {
	switch {
	case score >= t.Critical:
		return domain.SeverityCritical
	case score >= t.High:
		return domain.SeverityHigh
	case score >= t.Medium:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// Config is the single source of truth for scoring constants.
type Config struct {
	Weights    Weights
	Thresholds Thresholds

	// FRPCeilingMW is the fire radiative power treated as maximum intensity.
	FRPCeilingMW float64

	// SafetyMarginKm widens the pruning radius beyond the largest monitoring
	// radius so approximation error in the bounding box never drops a
	// candidate.
	SafetyMarginKm float64

	// Workers bounds parallel hotspot assessment. Zero or less means one.
	Workers int
}

// DefaultConfig returns the standard scoring configuration.
func DefaultConfig() Config {
	return Config{
		Weights:        DefaultWeights(),
		Thresholds:     DefaultThresholds(),
		FRPCeilingMW:   100,
		SafetyMarginKm: 5,
		Workers:        4,
	}
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	var errs []error
	if err := c.Weights.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !(c.FRPCeilingMW > 0) {
		errs = append(errs, fmt.Errorf("frp ceiling must be positive, got %v", c.FRPCeilingMW))
	}
	if c.SafetyMarginKm < 0 || math.IsNaN(c.SafetyMarginKm) {
		errs = append(errs, fmt.Errorf("safety margin must be non-negative, got %v", c.SafetyMarginKm))
	}
	return errors.Join(errs...)
}
