package email

import (
	"fmt"

	"github.com/dukerupert/billrun/internal/domain"
)

// Send and composition failures carry domain codes so the invoice machine
// and the HTTP layer can classify them without knowing about email.
var (
	ErrInvalidFromAddress = &domain.Error{Code: domain.EINVALID, Op: "email.config", Message: "Invalid from email address"}
	ErrInvalidToAddress   = &domain.Error{Code: domain.EINVALID, Op: "email.send", Message: "Invalid to email address"}
	ErrNoRecipient        = &domain.Error{Code: domain.EINVALID, Op: "email.send", Message: "Email has no recipient"}

	// ErrSendTimeout means the provider did not answer within the send
	// timeout. The message may still have been accepted. It is not
	// EUNAVAILABLE, which the job runner reads as a store outage.
	ErrSendTimeout = &domain.Error{Code: domain.EINTERNAL, Op: "email.send", Message: "Email provider did not respond in time"}
)

// ErrTemplateNotFound reports a template name that is neither embedded nor
// found in the template directory.
func ErrTemplateNotFound(templateName string) error {
	return domain.NotFound("email.render", "email template", templateName)
}

func errRender(templateName string, err error) error {
	return domain.Internal(err, "email.render", fmt.Sprintf("Failed to render email template %s", templateName))
}
