package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"
)

// ResendSender delivers mail through the Resend API.
type ResendSender struct {
	client *resend.Client
}

// NewResendSender creates a Resend-backed sender.
func NewResendSender(apiKey string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey)}
}

func (s *ResendSender) Name() string { return "resend" }

func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("no recipients specified")
	}

	params := &resend.SendEmailRequest{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
	}

	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		// The Resend client folds the status into the error text; map rate
		// limiting so the retry policy can see it.
		if strings.Contains(strings.ToLower(err.Error()), "too many requests") {
			return &Error{StatusCode: 429, Body: err.Error()}
		}
		return fmt.Errorf("resend send: %w", err)
	}
	return nil
}
