// Package domain models satellite fire detections, the protected areas they
// threaten, and the threat and alert records derived from them.
//
// # Data Source
//
// Detections originate from NASA FIRMS (Fire Information for Resource
// Management System) active-fire products, available at
// https://firms.modaps.eosdis.nasa.gov/. Each row is one thermal anomaly seen
// by a satellite pass. Feed adapters translate provider rows into the strict
// [RawDetection] shape; anything that does not conform is rejected as a
// malformed record rather than propagated into scoring.
//
// # FIRMS Conventions
//
// Acquisition time:
//
//	acq_date is YYYY-MM-DD (UTC), acq_time is HHMM in 24-hour notation.
//	Three-digit times are zero-padded: "915" → "0915". Some products drop
//	leading zeros entirely ("5" = 00:05), which is also accepted.
//
// Confidence (varies by instrument):
//
//	VIIRS: categorical "l", "n", "h" (low, nominal, high).
//	MODIS: integer percentage 0–100.
//	Categorical values map to 30, 60 and 90 percent so both instruments share
//	one scale. See [ParseConfidence].
//
// Brightness temperature:
//
//	Kelvin. VIIRS reports channel I-4 ("bright_ti4"), MODIS channel 21/22
//	("brightness"). Informational only; it does not enter the threat score.
//
// Fire radiative power:
//
//	Megawatts ("frp"). Drives the intensity factor of the threat score.
//
// # Identity
//
// Hotspot IDs are deterministic SHA-256 hashes of the rounded position,
// acquisition instant and source. Re-ingesting the same satellite pass yields
// the same IDs, which makes ingestion idempotent and persistence safe with
// ON CONFLICT DO NOTHING. See [HotspotID].
//
// Alert IDs are name-based UUIDs (version 5) over area, hotspot, severity and
// evaluation instant, so identical inputs produce identical alert ledgers.
package domain
