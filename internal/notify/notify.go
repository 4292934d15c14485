// Package notify persists user-facing notifications and mirrors them to email.
package notify

import (
	"context"
	"log"

	"github.com/PortNumber53/family-membership/internal/billing"
	"github.com/PortNumber53/family-membership/internal/models"
)

// Store is the persistence the notifier needs.
type Store interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	GetProfile(ctx context.Context, profileID string) (*models.Profile, error)
}

// Mailer delivers one email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body, tag string) error
}

// Notifier writes a notification row and, when a Mailer is configured,
// emails the profile. Failures are logged and never returned.
type Notifier struct {
	store  Store
	mailer Mailer
}

var _ billing.Notifier = (*Notifier)(nil)

// New creates a Notifier. mailer may be nil.
func New(store Store, mailer Mailer) *Notifier {
	return &Notifier{store: store, mailer: mailer}
}

// Notify records n for its profile.
func (n *Notifier) Notify(ctx context.Context, note models.Notification) {
	if note.ProfileID == "" {
		log.Printf("[notify] dropping %s notification without profile", note.Type)
		return
	}

	if err := n.store.CreateNotification(ctx, &note); err != nil {
		log.Printf("[notify] failed to store %s notification for %s: %v", note.Type, note.ProfileID, err)
	}

	if n.mailer == nil {
		return
	}

	profile, err := n.store.GetProfile(ctx, note.ProfileID)
	if err != nil {
		log.Printf("[notify] failed to load profile %s for email: %v", note.ProfileID, err)
		return
	}
	if profile == nil || profile.Email == "" {
		return
	}

	if err := n.mailer.Send(ctx, profile.Email, note.Title, note.Message, note.Type); err != nil {
		log.Printf("[notify] failed to email %s notification to %s: %v", note.Type, note.ProfileID, err)
	}
}
