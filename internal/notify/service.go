// Package notify sends review-workflow notification emails via SMTP.
package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration.
type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	EnableTLS bool
}

// Service sends notification emails. An unconfigured service silently drops
// everything, so callers never need to branch on whether SMTP is set up.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a notification service.
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if SMTP is configured.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends an HTML email with a plain-text fallback part.
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("notifications not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-evalsync"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// SubmittedData holds data for the submitted-for-review email.
type SubmittedData struct {
	AppName      string
	TemplateName string
	Department   string
	SubmittedBy  string
	ReviewURL    string
}

// DecisionData holds data for the review-decision email.
type DecisionData struct {
	AppName      string
	TemplateName string
	Decision     string
	Note         string
	TemplateURL  string
}

// SendSubmittedForReview notifies reviewers that a template awaits review.
func (s *Service) SendSubmittedForReview(to []string, templateName, department, submittedBy, reviewURL string) error {
	data := SubmittedData{
		AppName:      "EvalSync",
		TemplateName: templateName,
		Department:   department,
		SubmittedBy:  submittedBy,
		ReviewURL:    reviewURL,
	}

	subject := fmt.Sprintf("Template ready for review: %s", templateName)
	html, err := renderTemplate(submittedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render submitted template: %w", err)
	}

	return s.SendHTMLEmail(to, subject, html)
}

// SendReviewDecision notifies the author that a template was approved or
// rejected.
func (s *Service) SendReviewDecision(to, templateName, decision, note, templateURL string) error {
	data := DecisionData{
		AppName:      "EvalSync",
		TemplateName: templateName,
		Decision:     decision,
		Note:         note,
		TemplateURL:  templateURL,
	}

	subject := fmt.Sprintf("Template %s: %s", strings.ToLower(decision), templateName)
	html, err := renderTemplate(decisionEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render decision template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const submittedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Template ready for review</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.TemplateName}}</h2>

    <p>{{.SubmittedBy}} submitted an assessment template for review in {{.Department}}.</p>

    <p>
        <a href="{{.ReviewURL}}" class="button">Review Template</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ReviewURL}}</p>

    <div class="footer">
        <p>You are receiving this email because you are a reviewer for {{.Department}}.</p>
    </div>
</body>
</html>`

const decisionEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Template review decision</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .note { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.TemplateName}}: {{.Decision}}</h2>

    {{if .Note}}
    <div class="note">
        <strong>Reviewer note:</strong> {{.Note}}
    </div>
    {{end}}

    <p>
        <a href="{{.TemplateURL}}" class="button">Open Template</a>
    </p>

    <div class="footer">
        <p>Rejected templates can be edited and resubmitted at any time.</p>
    </div>
</body>
</html>`
