// Package push wakes offline recipients. The notification carries no
// message content at all, plaintext or encrypted; the client fetches
// (and decrypts) after waking.
package push

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Notification is a wake-up for one user.
type Notification struct {
	UserID uuid.UUID
	Title  string
	Body   string
}

// Notifier delivers notifications to a push provider.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ContentFree builds the only notification ever sent: nothing but the
// fact that something arrived.
func ContentFree(userID uuid.UUID) Notification {
	return Notification{UserID: userID, Title: "New message", Body: "You have a new message"}
}

// LogNotifier is the default provider: it records the wake-up and
// delivers nothing. Real providers implement Notifier against their
// service SDK.
type LogNotifier struct{}

var _ Notifier = LogNotifier{}

func (LogNotifier) Notify(_ context.Context, n Notification) error {
	logrus.WithFields(logrus.Fields{
		"function": "Notify",
		"user_id":  n.UserID.String()[:8],
		"title":    n.Title,
	}).Debug("push notification")
	return nil
}
