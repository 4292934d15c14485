package notify

import (
	"context"
	"errors"
	"fmt"
	"html"

	"github.com/mrz1836/postmark"
)

// ErrMissingToken is returned when the Postmark server token is empty.
var ErrMissingToken = errors.New("postmark server token is required")

// PostmarkMailer sends transactional email through Postmark.
type PostmarkMailer struct {
	client *postmark.Client
	from   string
}

// NewPostmarkMailer creates a mailer. accountToken may be empty.
func NewPostmarkMailer(serverToken, accountToken, from string) (*PostmarkMailer, error) {
	if serverToken == "" {
		return nil, ErrMissingToken
	}
	if from == "" {
		return nil, errors.New("postmark sender email is required")
	}
	return &PostmarkMailer{
		client: postmark.NewClient(serverToken, accountToken),
		from:   from,
	}, nil
}

// Send delivers a plain notification email.
func (m *PostmarkMailer) Send(ctx context.Context, to, subject, body, tag string) error {
	resp, err := m.client.SendEmail(ctx, postmark.Email{
		From:     m.from,
		To:       to,
		Subject:  subject,
		Tag:      tag,
		TextBody: body,
		HTMLBody: "<p>" + html.EscapeString(body) + "</p>",
	})
	if err != nil {
		return fmt.Errorf("notify: postmark send: %w", err)
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("notify: postmark error: %d - %s", resp.ErrorCode, resp.Message)
	}
	return nil
}
