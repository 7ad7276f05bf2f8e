package email

import "time"

// EmailTemplate defines the interface for email templates
type EmailTemplate interface {
	Subject() string
	TemplateName() string
}

// InvoiceEmail is the dispatch email for an approved invoice.
type InvoiceEmail struct {
	InvoiceNumber string
	ClientName    string
	Amount        string
	Currency      string
	CheckoutURL   string
	CompanyName   string
}

func (e InvoiceEmail) Subject() string {
	return "Invoice " + e.InvoiceNumber + " from " + e.CompanyName
}

func (e InvoiceEmail) TemplateName() string {
	return "invoice.html"
}

// ReminderEmail is one escalation level of a payment reminder.
// The template and subject come from the escalation configuration.
type ReminderEmail struct {
	Level           int
	InvoiceNumber   string
	ClientName      string
	Amount          string
	Currency        string
	SentAt          time.Time
	DaysOutstanding int
	CheckoutURL     string
	CompanyName     string

	Template    string
	SubjectLine string
}

func (e ReminderEmail) Subject() string {
	return e.SubjectLine
}

func (e ReminderEmail) TemplateName() string {
	return e.Template
}

// SentOn formats the dispatch date for templates.
func (e ReminderEmail) SentOn() string {
	return e.SentAt.Format("January 2, 2006")
}
