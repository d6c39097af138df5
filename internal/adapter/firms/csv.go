package firms

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/couchcryptid/firewatch-service/internal/domain"
)

// ParseCSV reads a FIRMS CSV export. Columns are located by header name so
// VIIRS (bright_ti4) and MODIS (brightness) exports both parse. Rows that
// cannot be converted are returned as rejected errors wrapping
// domain.ErrMalformedRecord; a body without the coordinate columns is an
// error.
func ParseCSV(r io.Reader) ([]domain.RawDetection, []error, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"latitude", "longitude"} {
		if _, ok := cols[required]; !ok {
			return nil, nil, fmt.Errorf("unexpected firms response: no %s column in %q", required, strings.Join(header, ","))
		}
	}

	var (
		out      []domain.RawDetection
		rejected []error
	)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			rejected = append(rejected, fmt.Errorf("%w: line %d: %w", domain.ErrMalformedRecord, line, err))
			continue
		}
		d, err := row{cols: cols, rec: rec}.detection()
		if err != nil {
			rejected = append(rejected, fmt.Errorf("%w: line %d: %w", domain.ErrMalformedRecord, line, err))
			continue
		}
		out = append(out, d)
	}
	return out, rejected, nil
}

type row struct {
	cols map[string]int
	rec  []string
}

func (r row) get(names ...string) string {
	for _, n := range names {
		if i, ok := r.cols[n]; ok && i < len(r.rec) {
			return strings.TrimSpace(r.rec[i])
		}
	}
	return ""
}

func (r row) float(names ...string) (float64, error) {
	s := r.get(names...)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", names[0], err)
	}
	return v, nil
}

func (r row) detection() (domain.RawDetection, error) {
	lat, err := strconv.ParseFloat(r.get("latitude"), 64)
	if err != nil {
		return domain.RawDetection{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(r.get("longitude"), 64)
	if err != nil {
		return domain.RawDetection{}, fmt.Errorf("longitude: %w", err)
	}
	bright, err := r.float("bright_ti4", "brightness")
	if err != nil {
		return domain.RawDetection{}, err
	}
	frp, err := r.float("frp")
	if err != nil {
		return domain.RawDetection{}, err
	}
	return domain.RawDetection{
		Latitude:   &lat,
		Longitude:  &lon,
		Confidence: domain.FlexString(r.get("confidence")),
		Brightness: bright,
		FRP:        frp,
		AcqDate:    r.get("acq_date"),
		AcqTime:    domain.FlexString(r.get("acq_time")),
		Satellite:  r.get("satellite"),
		Instrument: r.get("instrument"),
		DayNight:   r.get("daynight"),
	}, nil
}
