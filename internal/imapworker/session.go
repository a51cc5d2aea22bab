// Package imapworker hosts persistent per-account mail sessions. A worker
// owns many accounts; for each it runs a connection state machine, serves
// account-scoped RPC operations, and turns mailbox changes into notification
// queue jobs.
package imapworker

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors the dialer distinguishes. Authentication failures park the
// account in authenticationError until its credentials change; anything else
// is a transport problem that cools down and reconnects.
var (
	ErrAuthFailed = errors.New("imapworker: authentication rejected")
	ErrNoMailbox  = errors.New("imapworker: mailbox not found")
)

// ChangeKind tags a session change observation.
type ChangeKind string

const (
	ChangeMessageNew     ChangeKind = "messageNew"
	ChangeMessageDeleted ChangeKind = "messageDeleted"
	ChangeMessageUpdated ChangeKind = "messageUpdated"
	ChangeMailboxNew     ChangeKind = "mailboxNew"
	ChangeMailboxDeleted ChangeKind = "mailboxDeleted"
	ChangeMailboxReset   ChangeKind = "mailboxReset"
)

// Change is one observation from a live session's IDLE/poll loop.
type Change struct {
	Kind    ChangeKind
	Mailbox string

	// UID identifies the affected message for message-scoped changes.
	UID uint32

	// Date is when the message arrived, used for the notifyFrom gate on
	// messageNew. Zero for non-message changes.
	Date time.Time

	// Data is the event payload forwarded to subscribers.
	Data any
}

// MailboxInfo describes one mailbox.
type MailboxInfo struct {
	Path      string   `json:"path"`
	Delimiter string   `json:"delimiter,omitempty"`
	Flags     []string `json:"flags,omitempty"`
	Messages  uint32   `json:"messages"`
	Unseen    uint32   `json:"unseen,omitempty"`
}

// MessageSummary is one row of a mailbox listing.
type MessageSummary struct {
	UID       uint32    `json:"uid"`
	MessageID string    `json:"messageId,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	From      string    `json:"from,omitempty"`
	To        []string  `json:"to,omitempty"`
	Date      time.Time `json:"date"`
	Flags     []string  `json:"flags,omitempty"`
	Size      uint32    `json:"size,omitempty"`
}

// MessageList is one page of a mailbox listing.
type MessageList struct {
	Mailbox  string            `json:"mailbox"`
	Total    uint32            `json:"total"`
	Page     int               `json:"page"`
	Pages    int               `json:"pages"`
	Messages []*MessageSummary `json:"messages"`
}

// Message is a fully fetched message.
type Message struct {
	MessageSummary
	Text        string           `json:"text,omitempty"`
	HTML        string           `json:"html,omitempty"`
	Attachments []AttachmentInfo `json:"attachments,omitempty"`
}

// AttachmentInfo describes one attachment part without its content.
type AttachmentInfo struct {
	Part        string `json:"part"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int    `json:"size,omitempty"`
}

// Attachment is one fetched attachment part.
type Attachment struct {
	AttachmentInfo
	Content []byte `json:"content"`
}

// FlagsPatch updates message flags. Add and Remove are applied in that
// order; Seen toggles \Seen independently when non-nil.
type FlagsPatch struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
	Seen   *bool    `json:"seen,omitempty"`
}

// Contact is one address harvested for autocomplete.
type Contact struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Session is a live connection to one remote account. Implementations wrap
// the IMAP/SMTP protocol clients; tests substitute an in-memory fake.
//
// Changes returns the observation stream for the session's lifetime. The
// channel closes when the connection drops, after which only Close is safe
// to call.
type Session interface {
	Mailboxes(ctx context.Context) ([]*MailboxInfo, error)
	ListMessages(ctx context.Context, mailbox string, page, pageSize int) (*MessageList, error)
	GetMessage(ctx context.Context, mailbox string, uid uint32) (*Message, error)
	GetText(ctx context.Context, mailbox string, uid uint32, maxBytes int) (string, error)
	GetRawMessage(ctx context.Context, mailbox string, uid uint32) ([]byte, error)
	GetAttachment(ctx context.Context, mailbox string, uid uint32, part string) (*Attachment, error)
	UpdateMessage(ctx context.Context, mailbox string, uid uint32, patch FlagsPatch) error
	MoveMessage(ctx context.Context, mailbox string, uid uint32, destination string) error
	DeleteMessage(ctx context.Context, mailbox string, uid uint32) error
	UploadMessage(ctx context.Context, mailbox string, raw []byte, flags []string) (uint32, error)
	CreateMailbox(ctx context.Context, path string) error
	DeleteMailbox(ctx context.Context, path string) error
	Contacts(ctx context.Context, mailbox string, limit int) ([]*Contact, error)

	// Submit sends a raw message through the account's submission endpoint.
	Submit(ctx context.Context, from string, to []string, raw []byte) error

	Changes() <-chan Change
	Close() error
}
