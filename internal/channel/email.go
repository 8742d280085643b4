package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/propdesk/notifyd/internal/config"
	"github.com/propdesk/notifyd/internal/notification"
)

// SESAPI is the subset of the SES v2 client the email sender calls.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailSender delivers through Amazon SES v2.
type EmailSender struct {
	client SESAPI
	from   string
}

// NewEmailSender loads AWS credentials from the default chain and builds an
// SES client for the configured region and optional endpoint.
func NewEmailSender(ctx context.Context, cfg config.EmailConfig) (*EmailSender, error) {
	if cfg.FromAddress == "" {
		return nil, errors.New("channel: email from_address is not set")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("channel: load aws config: %w", err)
	}
	client := sesv2.NewFromConfig(awsCfg, func(o *sesv2.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewEmailSenderWithClient(client, cfg.FromAddress), nil
}

// NewEmailSenderWithClient wires an existing SES client.
func NewEmailSenderWithClient(client SESAPI, from string) *EmailSender {
	return &EmailSender{client: client, from: from}
}

// Send implements Sender.
func (s *EmailSender) Send(ctx context.Context, n *notification.Notification) error {
	if n.Recipient == "" {
		return errors.New("channel: email recipient is empty")
	}
	subject := n.Subject
	if subject == "" {
		subject = "Notification"
	}
	_, err := s.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{n.Recipient},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject)},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(n.Body)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("channel: ses send: %w", err)
	}
	return nil
}
