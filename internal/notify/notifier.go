// Package notify is the seam to the out-of-band delivery channel for freshly
// issued credentials. The plaintext key passes through here exactly once at
// issuance; it is never persisted or re-derivable afterwards.
package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ecowatch/ecowatch/internal/keys"
)

// Notifier delivers a newly issued credential to its owner.
type Notifier interface {
	DeliverKey(ctx context.Context, ownerID uuid.UUID, keyName, credential string) error
}

// LogNotifier records the delivery event in the structured log. It stands in
// when no mail provider is configured. Only the public half of the credential
// is logged.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) DeliverKey(_ context.Context, ownerID uuid.UUID, keyName, credential string) error {
	publicKeyID, _, err := keys.Parse(credential)
	if err != nil {
		return err
	}
	slog.Info("api key issued",
		"owner_id", ownerID,
		"key_name", keyName,
		"public_key_id", publicKeyID,
	)
	return nil
}
