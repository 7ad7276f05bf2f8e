package email

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// sesAPI is the subset of the SES v2 client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender implements Sender on Amazon SES v2.
type SESSender struct {
	client           sesAPI
	fromEmail        string
	configurationSet string
	logger           *slog.Logger
}

// NewSESSender builds an SES sender from a loaded AWS config.
func NewSESSender(cfg aws.Config, fromEmail, configurationSet string, logger *slog.Logger) (*SESSender, error) {
	if fromEmail == "" {
		return nil, ErrInvalidFromAddress
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SESSender{
		client:           sesv2.NewFromConfig(cfg),
		fromEmail:        fromEmail,
		configurationSet: configurationSet,
		logger:           logger.With(slog.String("sender", "ses")),
	}, nil
}

// Send sends the email through SES and returns the SES message id.
// Custom headers are not supported by simple content; the correlation id is
// attached as a message tag instead.
func (s *SESSender) Send(ctx context.Context, email *Email) (string, error) {
	if len(email.To) == 0 {
		return "", ErrNoRecipient
	}

	from := email.From
	if from == "" {
		from = s.fromEmail
	}

	body := &types.Body{}
	if email.TextBody != "" {
		body.Text = &types.Content{Data: aws.String(email.TextBody), Charset: aws.String("UTF-8")}
	}
	if email.HTMLBody != "" {
		body.Html = &types.Content{Data: aws.String(email.HTMLBody), Charset: aws.String("UTF-8")}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: email.To,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(email.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}
	if id := email.Headers[CorrelationHeader]; id != "" {
		input.EmailTags = []types.MessageTag{{Name: aws.String("correlation_id"), Value: aws.String(id)}}
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		s.logger.Error("failed to send email", slog.Any("to", email.To), slog.String("error", err.Error()))
		return "", fmt.Errorf("ses send email: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}
