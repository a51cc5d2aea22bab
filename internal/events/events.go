// Package events defines the change-event envelope that flows from IMAP
// workers through the notification queue to webhook endpoints.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind enumerates the change events an account can emit.
type Kind string

const (
	MessageNew          Kind = "messageNew"
	MessageDeleted      Kind = "messageDeleted"
	MessageUpdated      Kind = "messageUpdated"
	MailboxReset        Kind = "mailboxReset"
	MailboxDeleted      Kind = "mailboxDeleted"
	MailboxNew          Kind = "mailboxNew"
	AuthenticationError Kind = "authenticationError"
	ConnectError        Kind = "connectError"
	MessageSent         Kind = "messageSent"
	MessageFailed       Kind = "messageFailed"
	MessageBounce       Kind = "messageBounce"
	Test                Kind = "test"
)

// Kinds lists every event kind, in a stable order. Used to validate
// webhook event subscriptions.
var Kinds = []Kind{
	MessageNew, MessageDeleted, MessageUpdated,
	MailboxReset, MailboxDeleted, MailboxNew,
	AuthenticationError, ConnectError,
	MessageSent, MessageFailed, MessageBounce,
	Test,
}

// Valid reports whether k is a known event kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Envelope is the webhook payload for a single change event. Delivery is
// at-least-once; the nonce gives receivers an idempotency key for
// deduplicating retried events.
type Envelope struct {
	Account string          `json:"account"`
	Date    string          `json:"date"`
	Event   Kind            `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Nonce   string          `json:"nonce"`
}

// New builds an envelope for account with the given kind and data payload,
// stamped with the current time and a fresh nonce.
func New(account string, kind Kind, data any) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("events: failed to marshal %s data: %w", kind, err)
		}
		raw = b
	}
	return &Envelope{
		Account: account,
		Date:    time.Now().UTC().Format(time.RFC3339),
		Event:   kind,
		Data:    raw,
		Nonce:   uuid.NewString(),
	}, nil
}
