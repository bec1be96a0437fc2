// Package notify delivers transactional emails.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
)

const charset = "UTF-8"

// ErrNoRecipient is returned when an email has no destination address.
var ErrNoRecipient = errors.New("email has no recipient")

// Email is a rendered message ready to send.
type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// SESAPI is the subset of the SES v2 client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESNotifier sends email through Amazon SES.
type SESNotifier struct {
	client SESAPI
	sender string
	logger *zap.Logger
}

// NewSESNotifier sends from the verified sender address.
func NewSESNotifier(client SESAPI, sender string, logger *zap.Logger) *SESNotifier {
	return &SESNotifier{client: client, sender: sender, logger: logger}
}

// Send delivers email from the configured sender address.
func (n *SESNotifier) Send(ctx context.Context, email Email) error {
	if email.To == "" {
		return ErrNoRecipient
	}

	body := &types.Body{}
	if email.Text != "" {
		body.Text = &types.Content{Data: aws.String(email.Text), Charset: aws.String(charset)}
	}
	if email.HTML != "" {
		body.Html = &types.Content{Data: aws.String(email.HTML), Charset: aws.String(charset)}
	}

	out, err := n.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(n.sender),
		Destination:      &types.Destination{ToAddresses: []string{email.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(email.Subject), Charset: aws.String(charset)},
				Body:    body,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send email to %s: %w", email.To, err)
	}

	n.logger.Info("email sent",
		zap.String("to", email.To),
		zap.String("subject", email.Subject),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}

// LogNotifier only logs the messages it would send. Used when no sender identity is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Send logs the recipient and subject and never fails.
func (n *LogNotifier) Send(_ context.Context, email Email) error {
	if email.To == "" {
		return ErrNoRecipient
	}
	n.logger.Info("email suppressed",
		zap.String("to", email.To),
		zap.String("subject", email.Subject),
	)
	return nil
}
