// Package postgres persists hotspots and alert state so a restarted service
// resumes with its hotspot window and alert ledger intact.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/geo"
)

//go:embed schema.sql
var schema string

// Store implements the pipeline persister on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range statements(schema) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func statements(sql string) []string {
	var out []string
	for _, stmt := range strings.Split(sql, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

const insertHotspot = `
INSERT INTO hotspots (id, latitude, longitude, confidence, conf_label, brightness, frp,
                      acquired_at, satellite, instrument, daynight)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`

// SaveHotspots inserts hotspots; rows that already exist are left untouched.
func (s *Store) SaveHotspots(ctx context.Context, hotspots []domain.Hotspot) error {
	if len(hotspots) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, h := range hotspots {
		batch.Queue(insertHotspot, h.ID, h.Location.Lat, h.Location.Lon, h.Confidence.Percent, h.Confidence.Label,
			h.Brightness, h.FRP, h.AcquiredAt, h.Satellite, h.Instrument, h.DayNight)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save hotspots: %w", err)
	}
	return nil
}

// LoadHotspots returns hotspots acquired at or after since, oldest first.
func (s *Store) LoadHotspots(ctx context.Context, since time.Time) ([]domain.Hotspot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, latitude, longitude, confidence, conf_label, brightness, frp,
		       acquired_at, satellite, instrument, daynight
		FROM hotspots
		WHERE acquired_at >= $1
		ORDER BY acquired_at, id`, since)
	if err != nil {
		return nil, fmt.Errorf("load hotspots: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Hotspot, error) {
		var (
			h        domain.Hotspot
			lat, lon float64
		)
		err := row.Scan(&h.ID, &lat, &lon, &h.Confidence.Percent, &h.Confidence.Label, &h.Brightness, &h.FRP,
			&h.AcquiredAt, &h.Satellite, &h.Instrument, &h.DayNight)
		h.Location = geo.Point{Lat: lat, Lon: lon}
		h.AcquiredAt = h.AcquiredAt.UTC()
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("load hotspots: %w", err)
	}
	return out, nil
}

// upsertAlert returns the state the row had before the write, NULL for a
// new row.
const upsertAlert = `
WITH prev AS (SELECT state FROM alerts WHERE id = $1)
INSERT INTO alerts (id, area_id, severity, state, created_at, updated_at, closed_at, doc)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    severity   = EXCLUDED.severity,
    state      = EXCLUDED.state,
    updated_at = EXCLUDED.updated_at,
    closed_at  = EXCLUDED.closed_at,
    doc        = EXCLUDED.doc
RETURNING (SELECT state FROM prev)`

// SaveAlerts upserts alerts in one transaction and appends a transition row
// for every state change.
func (s *Store) SaveAlerts(ctx context.Context, alerts []domain.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, a := range alerts {
			doc, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("encode alert %s: %w", a.ID, err)
			}
			var prev *string
			if err := tx.QueryRow(ctx, upsertAlert, a.ID, a.AreaID, a.Severity.String(), string(a.State),
				a.CreatedAt, a.UpdatedAt, a.ClosedAt, doc).Scan(&prev); err != nil {
				return fmt.Errorf("save alert %s: %w", a.ID, err)
			}
			if prev != nil && *prev == string(a.State) {
				continue
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO alert_transitions (alert_id, from_state, to_state, at) VALUES ($1, $2, $3, $4)`,
				a.ID, prev, string(a.State), a.UpdatedAt); err != nil {
				return fmt.Errorf("record transition %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

// LoadAlerts returns open alerts and alerts closed at or after since, in
// creation order.
func (s *Store) LoadAlerts(ctx context.Context, since time.Time) ([]domain.Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM alerts
		WHERE closed_at IS NULL OR closed_at >= $1
		ORDER BY created_at, id`, since)
	if err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Alert, error) {
		var (
			doc []byte
			a   domain.Alert
		)
		if err := row.Scan(&doc); err != nil {
			return a, err
		}
		return a, json.Unmarshal(doc, &a)
	})
	if err != nil {
		return nil, fmt.Errorf("load alerts: %w", err)
	}
	return out, nil
}

// Transition is one recorded alert state change.
type Transition struct {
	From domain.AlertState
	To   domain.AlertState
	At   time.Time
}

// Transitions returns the audit trail of one alert, oldest first.
func (s *Store) Transitions(ctx context.Context, alertID string) ([]Transition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(from_state, ''), to_state, at FROM alert_transitions WHERE alert_id = $1 ORDER BY id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Transition, error) {
		var (
			t        Transition
			from, to string
		)
		err := row.Scan(&from, &to, &t.At)
		t.From, t.To, t.At = domain.AlertState(from), domain.AlertState(to), t.At.UTC()
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	return out, nil
}

// PruneResult reports what Prune deleted.
type PruneResult struct {
	Hotspots int64
	Alerts   int64
}

// Prune deletes hotspots acquired before cutoff and alerts closed before it.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (PruneResult, error) {
	var res PruneResult
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM hotspots WHERE acquired_at < $1`, cutoff)
		if err != nil {
			return err
		}
		res.Hotspots = tag.RowsAffected()
		tag, err = tx.Exec(ctx, `DELETE FROM alerts WHERE closed_at IS NOT NULL AND closed_at < $1`, cutoff)
		if err != nil {
			return err
		}
		res.Alerts = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return PruneResult{}, fmt.Errorf("prune: %w", err)
	}
	return res, nil
}
