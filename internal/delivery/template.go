package delivery

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"text/template"
	"time"
)

// DefaultSubject is the subject used when none is configured.
const DefaultSubject = "Your OTP Code"

// DefaultTextTemplate renders the plain-text body.
const DefaultTextTemplate = `Hi {{.Email}},

Your one-time password for {{.SiteName}} is:

{{.Code}}

It will expire in {{.ValiditySeconds}} seconds.

If you did not request this code, you can ignore this email.
`

// DefaultHTMLTemplate renders the HTML body.
const DefaultHTMLTemplate = `<p>Your OTP is <strong>{{.Code}}</strong>. It will expire in {{.ValiditySeconds}} seconds.</p>`

// EmailParams is the data passed to the templates.
type EmailParams struct {
	Email    string
	SiteName string
	Code     string
	Validity time.Duration
}

// ValiditySeconds returns the validity window in whole seconds.
func (p EmailParams) ValiditySeconds() int64 {
	return int64(p.Validity / time.Second)
}

// Renderer turns an issued code into a Message.
type Renderer struct {
	from     string
	subject  string
	siteName string
	text     *template.Template
	html     *htmltemplate.Template
}

type RendererConfig struct {
	From         string
	Subject      string
	SiteName     string
	TextTemplate string
	HTMLTemplate string
}

func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.SiteName == "" {
		cfg.SiteName = "mailotp"
	}
	if cfg.TextTemplate == "" {
		cfg.TextTemplate = DefaultTextTemplate
	}
	if cfg.HTMLTemplate == "" {
		cfg.HTMLTemplate = DefaultHTMLTemplate
	}

	text, err := template.New("text").Parse(cfg.TextTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse text template: %w", err)
	}
	html, err := htmltemplate.New("html").Parse(cfg.HTMLTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html template: %w", err)
	}

	return &Renderer{
		from:     cfg.From,
		subject:  cfg.Subject,
		siteName: cfg.SiteName,
		text:     text,
		html:     html,
	}, nil
}

// Render builds the message carrying code for email.
func (r *Renderer) Render(email, code string, validity time.Duration) (Message, error) {
	params := EmailParams{
		Email:    email,
		SiteName: r.siteName,
		Code:     code,
		Validity: validity,
	}

	var text bytes.Buffer
	if err := r.text.Execute(&text, params); err != nil {
		return Message{}, fmt.Errorf("failed to render text body: %w", err)
	}
	var html bytes.Buffer
	if err := r.html.Execute(&html, params); err != nil {
		return Message{}, fmt.Errorf("failed to render html body: %w", err)
	}

	return Message{
		To:       email,
		From:     r.from,
		Subject:  r.subject,
		TextBody: text.String(),
		HTMLBody: html.String(),
	}, nil
}
