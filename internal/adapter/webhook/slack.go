package webhook

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/couchcryptid/firewatch-service/internal/domain"
	"github.com/couchcryptid/firewatch-service/internal/notify"
)

const (
	colorCritical = "#dc3545"
	colorHigh     = "#fd7e14"
)

// Slack posts alerts to a Slack incoming webhook as a colored attachment.
type Slack struct {
	url        string
	httpClient *http.Client
}

// NewSlack creates a Slack channel. A nil client uses http.DefaultClient.
func NewSlack(url string, client *http.Client) *Slack {
	if client == nil {
		client = http.DefaultClient
	}
	return &Slack{url: url, httpClient: client}
}

// Name implements notify.Channel.
func (s *Slack) Name() string { return "slack" }

// Send implements notify.Channel.
func (s *Slack) Send(ctx context.Context, msg notify.Message) error {
	return post(ctx, s.httpClient, s.url, slackPayload(msg))
}

type slackMessage struct {
	Username    string            `json:"username"`
	IconEmoji   string            `json:"icon_emoji"`
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Text   string       `json:"text"`
	Footer string       `json:"footer,omitempty"`
	Ts     int64        `json:"ts,omitempty"`
	Fields []slackField `json:"fields,omitempty"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func slackPayload(msg notify.Message) slackMessage {
	a := msg.Alert
	color := colorHigh
	if a.Severity == domain.SeverityCritical {
		color = colorCritical
	}

	location := fmt.Sprintf("%.4f, %.4f", a.Location.Lat, a.Location.Lon)
	if a.PlaceName != "" {
		location = a.PlaceName + " (" + location + ")"
	}
	fields := []slackField{
		{Title: "Location", Value: location, Short: true},
		{Title: "Distance", Value: distance(a), Short: true},
		{Title: "Threat Score", Value: fmt.Sprintf("%.2f", a.Score), Short: true},
	}
	if h := msg.Hotspot; h.ID != "" {
		fields = append(fields,
			slackField{Title: "Confidence", Value: fmt.Sprintf("%.0f%%", h.Confidence.Percent), Short: true},
			slackField{Title: "Detection Time", Value: h.AcquiredAt.UTC().Format("2006-01-02 15:04 UTC"), Short: true},
			slackField{Title: "Data Source", Value: "NASA FIRMS (" + strings.ToUpper(h.Source()) + ")", Short: true},
		)
	}
	if len(msg.Areas) > 0 {
		lines := make([]string, len(msg.Areas))
		for i, name := range msg.Areas {
			lines[i] = "• " + name
		}
		fields = append(fields, slackField{Title: "Affected Protected Areas", Value: strings.Join(lines, "\n")})
	}

	return slackMessage{
		Username:  "Wildfire Alert Bot",
		IconEmoji: ":fire:",
		Attachments: []slackAttachment{{
			Color:  color,
			Title:  msg.Subject,
			Text:   msg.Text,
			Footer: "Firewatch wildfire detection",
			Ts:     a.CreatedAt.Unix(),
			Fields: fields,
		}},
	}
}

func distance(a domain.Alert) string {
	if a.Inside {
		return "inside area"
	}
	return fmt.Sprintf("%.1f km", a.DistanceKm)
}
