package notify

import (
	"bytes"
	"errors"
	"strings"
	"text/template"
)

// DefaultSubject is the subject line template.
const DefaultSubject = `🔥 {{.Severity}} WILDFIRE ALERT - {{.AreaName}}`

// DefaultTemplate is a short, single-paragraph alert body.
const DefaultTemplate = `{{.Severity}} wildfire threat {{if .Inside}}inside{{else}}{{printf "%.1f" .DistanceKm}} km from{{end}} {{.AreaName}} ` +
	`at {{printf "%.4f, %.4f" .Lat .Lon}}{{if .PlaceName}} ({{.PlaceName}}){{end}}` +
	`{{if .Confidence}} with {{printf "%.0f" .Confidence}}% confidence{{end}}. ` +
	`Threat score {{printf "%.2f" .Score}}{{if .FRP}}, FRP {{printf "%.1f" .FRP}} MW{{end}}. ` +
	`{{if .Areas}}Affected areas: {{join .Areas ", "}}. {{end}}` +
	`{{if .Escalation}}Escalated from an earlier alert. {{end}}` +
	`Immediate verification recommended.`

// maxListedAreas caps the affected-area list in a message.
const maxListedAreas = 3

// TemplateData provides fields for rendering an alert.
type TemplateData struct {
	AlertID    string
	Severity   string
	AreaID     string
	AreaName   string
	PlaceName  string
	Lat        float64
	Lon        float64
	DistanceKm float64
	Inside     bool
	Score      float64
	Confidence float64
	FRP        float64
	Acquired   string
	Source     string
	Areas      []string
	Escalation bool
}

// Template renders a subject and body.
type Template struct {
	subject *template.Template
	body    *template.Template
}

var funcs = template.FuncMap{"join": strings.Join}

// NewTemplate parses body, falling back to DefaultTemplate when empty.
func NewTemplate(body string) (*Template, error) {
	if body == "" {
		body = DefaultTemplate
	}
	b, err := template.New("alert-body").Funcs(funcs).Parse(body)
	if err != nil {
		return nil, err
	}
	s, err := template.New("alert-subject").Funcs(funcs).Parse(DefaultSubject)
	if err != nil {
		return nil, err
	}
	return &Template{subject: s, body: b}, nil
}

// Render applies the templates to data.
func (t *Template) Render(data TemplateData) (subject, body string, err error) {
	if t == nil || t.body == nil {
		return "", "", errors.New("alert template: nil")
	}
	var sb, bb bytes.Buffer
	if err := t.subject.Execute(&sb, data); err != nil {
		return "", "", err
	}
	if err := t.body.Execute(&bb, data); err != nil {
		return "", "", err
	}
	return sb.String(), bb.String(), nil
}
