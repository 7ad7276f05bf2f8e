package email

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

const layoutFile = "layout.html"

// ServiceConfig configures composition and delivery.
type ServiceConfig struct {
	FromAddress string
	FromName    string

	// Timeout bounds a single provider call. A timeout is a failed send.
	Timeout time.Duration

	// TemplateDir optionally holds extra or overriding *.html content
	// templates (partner-specific reminders). They share the embedded layout.
	TemplateDir string
}

// Service handles email composition and sending
type Service struct {
	sender    Sender
	config    ServiceConfig
	templates map[string]*template.Template
	logger    *slog.Logger
}

// NewService creates a new email service with the embedded templates plus
// any found in cfg.TemplateDir.
func NewService(sender Sender, cfg ServiceConfig, logger *slog.Logger) (*Service, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	sub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded templates: %w", err)
	}
	templates, err := parseTemplates(sub, nil)
	if err != nil {
		return nil, err
	}

	if cfg.TemplateDir != "" {
		templates, err = parseTemplates(os.DirFS(cfg.TemplateDir), templates)
		if err != nil {
			return nil, fmt.Errorf("failed to parse templates in %s: %w", cfg.TemplateDir, err)
		}
	}

	return &Service{
		sender:    sender,
		config:    cfg,
		templates: templates,
		logger:    logger,
	}, nil
}

// parseTemplates pairs every content template in fsys with the embedded
// layout. Entries in existing are kept unless fsys defines the same name.
func parseTemplates(fsys fs.FS, existing map[string]*template.Template) (map[string]*template.Template, error) {
	layout, err := template.ParseFS(templateFS, path.Join("templates", layoutFile))
	if err != nil {
		return nil, fmt.Errorf("failed to parse email layout: %w", err)
	}

	files, err := fs.Glob(fsys, "*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to list email templates: %w", err)
	}

	out := make(map[string]*template.Template, len(existing)+len(files))
	for name, t := range existing {
		out[name] = t
	}
	for _, file := range files {
		name := filepath.Base(file)
		if name == layoutFile {
			continue
		}
		t, err := template.Must(layout.Clone()).ParseFS(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("failed to parse email template %s: %w", name, err)
		}
		out[name] = t
	}
	return out, nil
}

// HasTemplate reports whether name can be rendered.
func (s *Service) HasTemplate(name string) bool {
	_, ok := s.templates[name]
	return ok
}

// Render executes the named template inside the layout and derives a plain
// text alternative from the HTML.
func (s *Service) Render(data EmailTemplate) (string, string, error) {
	return s.renderTemplate(data.TemplateName(), data)
}

// SendInvoice renders and delivers the dispatch email for an invoice.
func (s *Service) SendInvoice(ctx context.Context, to, correlationID string, data InvoiceEmail) Result {
	return s.send(ctx, to, correlationID, data)
}

// SendReminder renders and delivers one escalation level.
func (s *Service) SendReminder(ctx context.Context, to, correlationID string, data ReminderEmail) Result {
	return s.send(ctx, to, correlationID, data)
}

func (s *Service) send(ctx context.Context, to, correlationID string, data EmailTemplate) Result {
	htmlBody, textBody, err := s.Render(data)
	if err != nil {
		return Result{Status: StatusFailed, Err: err}
	}
	return s.Deliver(ctx, Message{
		To:            to,
		Subject:       data.Subject(),
		HTMLBody:      htmlBody,
		TextBody:      textBody,
		CorrelationID: correlationID,
	})
}

// Deliver sends msg through the configured sender within the service
// timeout. It never returns an error: failures are reported in Result.
func (s *Service) Deliver(ctx context.Context, msg Message) Result {
	if strings.TrimSpace(msg.To) == "" {
		return Result{Status: StatusFailed, Err: ErrNoRecipient}
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	from := s.config.FromAddress
	if s.config.FromName != "" && from != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.FromAddress)
	}

	email := &Email{
		To:       []string{msg.To},
		From:     from,
		Subject:  msg.Subject,
		HTMLBody: msg.HTMLBody,
		TextBody: msg.TextBody,
		Headers:  map[string]string{CorrelationHeader: msg.CorrelationID},
	}

	messageID, err := s.sender.Send(ctx, email)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrSendTimeout, err)
		}
		s.logger.Warn("email delivery failed",
			slog.String("correlation_id", msg.CorrelationID),
			slog.String("error", err.Error()),
		)
		return Result{Status: StatusFailed, Err: err}
	}

	return Result{Status: StatusSent, MessageID: messageID}
}

// Helper method to render a template
func (s *Service) renderTemplate(templateName string, data interface{}) (string, string, error) {
	tmpl, ok := s.templates[templateName]
	if !ok {
		return "", "", ErrTemplateNotFound(templateName)
	}

	var htmlBuf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&htmlBuf, "email_layout", data); err != nil {
		return "", "", errRender(templateName, err)
	}

	htmlBody := htmlBuf.String()
	return htmlBody, generatePlainText(htmlBody), nil
}

// generatePlainText creates a simple plain text version from HTML
func generatePlainText(html string) string {
	text := html

	text = strings.ReplaceAll(text, "<br>", "\n")
	text = strings.ReplaceAll(text, "<br/>", "\n")
	text = strings.ReplaceAll(text, "<br />", "\n")
	text = strings.ReplaceAll(text, "</p>", "\n\n")
	text = strings.ReplaceAll(text, "</div>", "\n")
	text = strings.ReplaceAll(text, "</h1>", "\n\n")
	text = strings.ReplaceAll(text, "</h2>", "\n\n")
	text = strings.ReplaceAll(text, "</h3>", "\n\n")

	for strings.Contains(text, "<") && strings.Contains(text, ">") {
		start := strings.Index(text, "<")
		end := strings.Index(text, ">")
		if start >= 0 && end > start {
			text = text[:start] + text[end+1:]
		} else {
			break
		}
	}

	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", "\"")

	lines := strings.Split(text, "\n")
	var cleaned []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}

	return strings.Join(cleaned, "\n")
}
