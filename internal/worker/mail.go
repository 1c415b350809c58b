package worker

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"text/template"

	"github.com/lalithlochan/stockalert/internal/db"
)

// MailKind selects the message template
type MailKind string

const (
	MailFirst    MailKind = "first"
	MailThankYou MailKind = "thankyou"
	MailReminder MailKind = "reminder"
)

// MailMessage is everything a transport needs to deliver one notification
type MailMessage struct {
	Kind           MailKind
	Recipient      string
	ProductTitle   string
	ProductURL     string
	ShopID         string
	ShopDomain     string
	ReminderNumber int
	// JobID identifies the queue job, for transport logs and provider tags
	JobID string
}

// MailSender delivers a message. A nil error means the transport confirmed
// the hand-off; any error counts as a failed attempt.
type MailSender interface {
	Send(ctx context.Context, msg MailMessage) error
}

// RenderedMail is a message ready for a transport
type RenderedMail struct {
	Subject string
	Text    string
	HTML    string
}

// mailKindFor maps a job type to its template. Reports false for job types
// that are not delivered by mail.
func mailKindFor(t db.JobType) (MailKind, bool) {
	switch t {
	case db.JobFirstNotification:
		return MailFirst, true
	case db.JobThankYouNotification:
		return MailThankYou, true
	case db.JobReminderEmail:
		return MailReminder, true
	case db.JobReminderSMS:
		return "", false
	}
	return "", false
}

var subjectTemplates = map[MailKind]*template.Template{
	MailFirst:    template.Must(template.New("first").Parse(`{{.ProductTitle}} is back in stock!`)),
	MailThankYou: template.Must(template.New("thankyou").Parse(`Thanks for waiting: {{.ProductTitle}} is back in stock`)),
	MailReminder: template.Must(template.New("reminder").Parse(`Reminder: {{.ProductTitle}} is still available`)),
}

var textTemplates = map[MailKind]*template.Template{
	MailFirst: template.Must(template.New("first").Parse(
		`Good news! {{.ProductTitle}} is back in stock.
{{if .ProductURL}}
Shop now: {{.ProductURL}}
{{end}}
You are receiving this because you asked to be notified at {{.ShopDomain}}.
`)),
	MailThankYou: template.Must(template.New("thankyou").Parse(
		`Thank you for your patience. {{.ProductTitle}} is available again.
{{if .ProductURL}}
Get yours: {{.ProductURL}}
{{end}}
You are receiving this because you asked to be notified at {{.ShopDomain}}.
`)),
	MailReminder: template.Must(template.New("reminder").Parse(
		`Just a reminder: {{.ProductTitle}} is back in stock and may sell out again soon.
{{if .ProductURL}}
Shop now: {{.ProductURL}}
{{end}}
Reminder {{.ReminderNumber}} from {{.ShopDomain}}.
`)),
}

var htmlTemplate = htmltemplate.Must(htmltemplate.New("mail").Parse(
	`<!DOCTYPE html>
<html><body style="font-family:Arial,sans-serif;color:#333">
<h2>{{.Headline}}</h2>
<p>{{.Body}}</p>
{{if .ProductURL}}<p><a href="{{.ProductURL}}" style="background:#007bff;color:#fff;padding:12px 24px;text-decoration:none;border-radius:4px">{{.Button}}</a></p>{{end}}
<p style="font-size:12px;color:#888">{{.ShopDomain}}</p>
</body></html>
`))

type htmlView struct {
	Headline   string
	Body       string
	Button     string
	ProductURL string
	ShopDomain string
}

// RenderMail builds subject and bodies for a message
func RenderMail(msg MailMessage) (RenderedMail, error) {
	subjectTmpl, ok := subjectTemplates[msg.Kind]
	if !ok {
		return RenderedMail{}, fmt.Errorf("no template for mail kind %q", msg.Kind)
	}

	var subject, text, html bytes.Buffer
	if err := subjectTmpl.Execute(&subject, msg); err != nil {
		return RenderedMail{}, fmt.Errorf("render subject: %w", err)
	}
	if err := textTemplates[msg.Kind].Execute(&text, msg); err != nil {
		return RenderedMail{}, fmt.Errorf("render text body: %w", err)
	}

	view := htmlView{
		Headline:   subject.String(),
		Body:       fmt.Sprintf("%s is available again.", msg.ProductTitle),
		Button:     "Shop now",
		ProductURL: msg.ProductURL,
		ShopDomain: msg.ShopDomain,
	}
	if msg.Kind == MailReminder {
		view.Body = fmt.Sprintf("%s is still in stock, but it may not last.", msg.ProductTitle)
	}
	if err := htmlTemplate.Execute(&html, view); err != nil {
		return RenderedMail{}, fmt.Errorf("render html body: %w", err)
	}

	return RenderedMail{
		Subject: subject.String(),
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}
