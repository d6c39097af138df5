package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/firewatch-service/internal/geo"
)

// FlexString accepts either a JSON string or a JSON number. FIRMS JSON
// exports are inconsistent about quoting confidence and acq_time.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

// RawDetection is the strict ingestion shape for one satellite detection.
// Coordinates are pointers so a missing field is distinguishable from 0.
type RawDetection struct {
	Latitude   *float64   `json:"latitude"`
	Longitude  *float64   `json:"longitude"`
	Confidence FlexString `json:"confidence"`
	Brightness float64    `json:"brightness"`
	FRP        float64    `json:"frp"`
	AcqDate    string     `json:"acq_date"`
	AcqTime    FlexString `json:"acq_time"`
	Satellite  string     `json:"satellite"`
	Instrument string     `json:"instrument"`
	DayNight   string     `json:"daynight,omitempty"`
}

// Hotspot is a single immutable satellite fire detection.
type Hotspot struct {
	ID         string     `json:"id"`
	Location   geo.Point  `json:"location"`
	Confidence Confidence `json:"confidence"`
	Brightness float64    `json:"brightness"`
	FRP        float64    `json:"frp"`
	AcquiredAt time.Time  `json:"acquired_at"`
	Satellite  string     `json:"satellite"`
	Instrument string     `json:"instrument"`
	DayNight   string     `json:"daynight,omitempty"`
}

// Source identifies the satellite and instrument that produced the detection,
// e.g. "n20/viirs" or "aqua/modis".
func (h Hotspot) Source() string {
	return sourceKey(h.Satellite, h.Instrument)
}

// NewHotspot builds a hotspot with its deterministic ID filled in.
func NewHotspot(loc geo.Point, conf Confidence, frp float64, acquired time.Time, satellite, instrument string) Hotspot {
	h := Hotspot{
		Location:   loc,
		Confidence: conf,
		FRP:        frp,
		AcquiredAt: acquired.UTC(),
		Satellite:  satellite,
		Instrument: instrument,
	}
	h.ID = HotspotID(loc, h.AcquiredAt, h.Source())
	return h
}

// ParseDetection validates a raw detection and converts it into a Hotspot.
// Every failure wraps ErrMalformedRecord; out-of-range coordinates also wrap
// ErrInvalidCoordinate.
func ParseDetection(raw RawDetection) (Hotspot, error) {
	if raw.Latitude == nil || raw.Longitude == nil {
		return Hotspot{}, fmt.Errorf("%w: missing latitude/longitude", ErrMalformedRecord)
	}
	loc := geo.Point{Lat: *raw.Latitude, Lon: *raw.Longitude}
	if err := geo.Validate(loc); err != nil {
		return Hotspot{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	acquired, err := parseAcquisition(raw.AcqDate, string(raw.AcqTime))
	if err != nil {
		return Hotspot{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	satellite := strings.TrimSpace(raw.Satellite)
	instrument := strings.TrimSpace(raw.Instrument)
	if satellite == "" && instrument == "" {
		return Hotspot{}, fmt.Errorf("%w: missing satellite/instrument", ErrMalformedRecord)
	}

	conf, err := ParseConfidence(string(raw.Confidence))
	if err != nil {
		return Hotspot{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}

	if raw.FRP < 0 || math.IsNaN(raw.FRP) {
		return Hotspot{}, fmt.Errorf("%w: negative frp %v", ErrMalformedRecord, raw.FRP)
	}

	h := Hotspot{
		Location:   loc,
		Confidence: conf,
		Brightness: raw.Brightness,
		FRP:        raw.FRP,
		AcquiredAt: acquired,
		Satellite:  satellite,
		Instrument: instrument,
		DayNight:   normalizeDayNight(raw.DayNight),
	}
	h.ID = HotspotID(loc, acquired, h.Source())
	return h, nil
}

// HotspotID produces the deterministic identity of a detection. Coordinates
// are rounded to four decimals (~11 m) so float noise between re-deliveries of
// the same pass does not create new records.
func HotspotID(loc geo.Point, acquired time.Time, source string) string {
	input := fmt.Sprintf("%.4f|%.4f|%s|%s", round4(loc.Lat), round4(loc.Lon), acquired.UTC().Format(time.RFC3339), source)
	hash := sha256.Sum256([]byte(input))
	return "hs-" + hex.EncodeToString(hash[:8])
}

// round4 rounds to four decimals and folds -0 into 0, so points either side
// of the equator or prime meridian that round to zero share one ID.
func round4(v float64) float64 {
	r := math.Round(v*1e4) / 1e4
	if r == 0 {
		return 0
	}
	return r
}

// parseAcquisition combines a FIRMS acq_date with an HHMM acq_time in UTC.
func parseAcquisition(date, hhmm string) (time.Time, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		return time.Time{}, fmt.Errorf("missing acq_date")
	}
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid acq_date %q", date)
	}

	hhmm = strings.TrimSpace(hhmm)
	if hhmm == "" {
		return time.Time{}, fmt.Errorf("missing acq_time")
	}
	if len(hhmm) > 4 {
		return time.Time{}, fmt.Errorf("invalid acq_time %q", hhmm)
	}
	hhmm = strings.Repeat("0", 4-len(hhmm)) + hhmm

	hour, errH := strconv.Atoi(hhmm[:2])
	mins, errM := strconv.Atoi(hhmm[2:])
	if errH != nil || errM != nil || hour < 0 || hour > 23 || mins < 0 || mins > 59 {
		return time.Time{}, fmt.Errorf("invalid acq_time %q", hhmm)
	}

	return time.Date(day.Year(), day.Month(), day.Day(), hour, mins, 0, 0, time.UTC), nil
}

func sourceKey(satellite, instrument string) string {
	return strings.ToLower(strings.TrimSpace(satellite)) + "/" + strings.ToLower(strings.TrimSpace(instrument))
}

func normalizeDayNight(v string) string {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "D", "DAY":
		return "D"
	case "N", "NIGHT":
		return "N"
	default:
		return ""
	}
}
