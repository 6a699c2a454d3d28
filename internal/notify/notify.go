// Package notify delivers customer alert notifications by email and SMS.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/ukydev/trackhub/internal/models"
)

var (
	ErrNoRecipient = errors.New("no recipient")
	ErrNoTemplate  = errors.New("no template for alert")
)

// Alert is the content of a notification.
type Alert struct {
	Kind        models.AlertKind
	Numberplate string
	Location    string
	Date        time.Time
}

// Message is a rendered notification.
type Message struct {
	Subject string
	Body    string
}

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

func mustTemplate(kind models.AlertKind, subject, body string) messageTemplate {
	return messageTemplate{
		subject: template.Must(template.New(string(kind) + "-subject").Parse(subject)),
		body:    template.Must(template.New(string(kind) + "-body").Parse(body)),
	}
}

const locationClause = `{{if .Location}} near {{.Location}}{{end}}`
const dateClause = ` at {{.Date.UTC.Format "2006-01-02 15:04:05"}} UTC.`

var templates = map[models.AlertKind]messageTemplate{
	models.AlertSOS: mustTemplate(models.AlertSOS,
		`SOS from {{.Numberplate}}`,
		`The SOS button was pressed in vehicle {{.Numberplate}}`+locationClause+dateClause),
	models.AlertRelayOn: mustTemplate(models.AlertRelayOn,
		`Engine cut on {{.Numberplate}}`,
		`The engine of vehicle {{.Numberplate}} was cut off`+locationClause+dateClause),
	models.AlertSpeeding: mustTemplate(models.AlertSpeeding,
		`Speeding: {{.Numberplate}}`,
		`Vehicle {{.Numberplate}} exceeded its speed limit`+locationClause+dateClause),
	models.AlertSuspiciousActivity: mustTemplate(models.AlertSuspiciousActivity,
		`Suspicious activity on {{.Numberplate}}`,
		`Suspicious activity was detected on vehicle {{.Numberplate}}`+locationClause+dateClause),
	models.AlertImpact: mustTemplate(models.AlertImpact,
		`Impact detected on {{.Numberplate}}`,
		`An impact was detected on vehicle {{.Numberplate}}`+locationClause+dateClause),
	models.AlertFenceIn: mustTemplate(models.AlertFenceIn,
		`{{.Numberplate}} entered its zone`,
		`Vehicle {{.Numberplate}} entered its geofence`+locationClause+dateClause),
	models.AlertFenceOut: mustTemplate(models.AlertFenceOut,
		`{{.Numberplate}} left its zone`,
		`Vehicle {{.Numberplate}} left its geofence`+locationClause+dateClause),
}

// Render builds the message for an alert.
func Render(a Alert) (Message, error) {
	t, ok := templates[a.Kind]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrNoTemplate, a.Kind)
	}
	var subject, body bytes.Buffer
	if err := t.subject.Execute(&subject, a); err != nil {
		return Message{}, fmt.Errorf("render subject: %w", err)
	}
	if err := t.body.Execute(&body, a); err != nil {
		return Message{}, fmt.Errorf("render body: %w", err)
	}
	return Message{Subject: subject.String(), Body: body.String()}, nil
}

// Mailer sends one email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMSSender sends one text message.
type SMSSender interface {
	Send(ctx context.Context, to, body string) error
}

// Outbox keeps failed emails for a later retry.
type Outbox interface {
	PushOutbox(ctx context.Context, entry models.OutboxEntry) error
	PopOutbox(ctx context.Context) (*models.OutboxEntry, error)
}
