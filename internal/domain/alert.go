package domain

import (
	"fmt"
	"time"

	"github.com/couchcryptid/firewatch-service/internal/geo"
)

// AlertState is a node in the alert lifecycle:
//
//	NEW → DISPATCHED → RESOLVED
//	NEW → DISPATCHED → EXPIRED
//	NEW → SUPPRESSED
type AlertState string

const (
	AlertNew        AlertState = "NEW"
	AlertDispatched AlertState = "DISPATCHED"
	AlertResolved   AlertState = "RESOLVED"
	AlertExpired    AlertState = "EXPIRED"
	AlertSuppressed AlertState = "SUPPRESSED"
)

// Active reports whether the alert still counts for duplicate suppression.
func (s AlertState) Active() bool {
	return s == AlertDispatched
}

// Closed reports whether the state is terminal.
func (s AlertState) Closed() bool {
	switch s {
	case AlertResolved, AlertExpired, AlertSuppressed:
		return true
	default:
		return false
	}
}

// Suppression records why a candidate was not dispatched.
type Suppression string

const (
	SuppressionNone       Suppression = "new"
	SuppressedDuplicate   Suppression = "suppressed-duplicate"
	SuppressedRateLimited Suppression = "suppressed-rate-limited"
)

// Delivery is the outcome of sending an alert on one channel.
type Delivery struct {
	Channel  string    `json:"channel"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// Alert is a decision to notify about a threatened area.
type Alert struct {
	ID           string      `json:"id"`
	AreaID       string      `json:"area_id"`
	AreaName     string      `json:"area_name"`
	Priority     Priority    `json:"priority"`
	Severity     Severity    `json:"severity"`
	Score        float64     `json:"score"`
	HotspotIDs   []string    `json:"hotspot_ids"`
	Location     geo.Point   `json:"location"`
	DistanceKm   float64     `json:"distance_km"`
	Inside       bool        `json:"inside"`
	PlaceName    string      `json:"place_name,omitempty"`
	State        AlertState  `json:"state"`
	Suppression  Suppression `json:"suppression"`
	Escalation   bool        `json:"escalation,omitempty"`
	Supersedes   string      `json:"supersedes,omitempty"`
	SupersededBy string      `json:"superseded_by,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	DispatchedAt *time.Time  `json:"dispatched_at,omitempty"`
	ClosedAt     *time.Time  `json:"closed_at,omitempty"`
	Deliveries   []Delivery  `json:"deliveries,omitempty"`
}

// Clone returns a deep copy so ledger snapshots cannot be mutated by callers.
func (a Alert) Clone() Alert {
	a.HotspotIDs = append([]string(nil), a.HotspotIDs...)
	a.Deliveries = append([]Delivery(nil), a.Deliveries...)
	if a.DispatchedAt != nil {
		t := *a.DispatchedAt
		a.DispatchedAt = &t
	}
	if a.ClosedAt != nil {
		t := *a.ClosedAt
		a.ClosedAt = &t
	}
	return a
}

// Failed returns the deliveries that did not succeed.
func (a Alert) Failed() []Delivery {
	var out []Delivery
	for _, d := range a.Deliveries {
		if !d.OK {
			out = append(out, d)
		}
	}
	return out
}

// Transition moves the alert to next at the given instant. Only the edges of
// the lifecycle diagram are allowed.
func (a *Alert) Transition(next AlertState, at time.Time) error {
	if !validTransition(a.State, next) {
		return fmt.Errorf("alert %s: illegal transition %s → %s", a.ID, a.State, next)
	}
	a.State = next
	a.UpdatedAt = at
	switch next {
	case AlertDispatched:
		t := at
		a.DispatchedAt = &t
	case AlertResolved, AlertExpired, AlertSuppressed:
		t := at
		a.ClosedAt = &t
	}
	return nil
}

func validTransition(from, to AlertState) bool {
	switch from {
	case AlertNew:
		return to == AlertDispatched || to == AlertSuppressed
	case AlertDispatched:
		return to == AlertResolved || to == AlertExpired
	default:
		return false
	}
}

// Decision is the AlertEngine verdict on one candidate.
type Decision struct {
	Alert  Alert        `json:"alert"`
	Record ThreatRecord `json:"-"`
}

// Dispatch reports whether the decision should be sent to notification
// channels.
func (d Decision) Dispatch() bool {
	return d.Alert.State == AlertDispatched && d.Alert.Suppression == SuppressionNone
}

// AlertStats summarises the alerts raised over a period.
type AlertStats struct {
	Since                 time.Time        `json:"since"`
	Total                 int              `json:"total_alerts"`
	BySeverity            map[Severity]int `json:"by_severity"`
	Dispatched            int              `json:"dispatched"`
	SuppressedDuplicate   int              `json:"suppressed_duplicate"`
	SuppressedRateLimited int              `json:"suppressed_rate_limited"`
	NotificationsSent     int              `json:"successful_notifications"`
	NotificationsFailed   int              `json:"failed_notifications"`
}
