package domain

import (
	"errors"

	"github.com/couchcryptid/firewatch-service/internal/geo"
)

var (
	// ErrInvalidCoordinate marks an out-of-range latitude or longitude.
	ErrInvalidCoordinate = geo.ErrInvalidCoordinate

	// ErrMalformedRecord marks a detection missing required fields or
	// carrying unparseable values. Only the offending record is skipped.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrInvalidPolygon marks a protected area rejected at registration.
	ErrInvalidPolygon = errors.New("invalid polygon")

	// ErrNotFound is returned for unknown area, hotspot or alert IDs.
	ErrNotFound = errors.New("not found")

	// ErrEmptyInput distinguishes "nothing was assessed" from "assessed and
	// found nothing".
	ErrEmptyInput = errors.New("empty input")
)
