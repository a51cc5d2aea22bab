// Package accounts is the durable account catalog: records, lifecycle
// state, credentials and the per-account log ring.
package accounts

import (
	"time"
)

// State is the connection lifecycle state of an account. It is written by
// the owning IMAP worker only; the registry and API treat it as read-mostly.
type State string

const (
	StateInit         State = "init"
	StateConnecting   State = "connecting"
	StateSyncing      State = "syncing"
	StateConnected    State = "connected"
	StateAuthError    State = "authenticationError"
	StateConnectError State = "connectError"
	StateUnset        State = "unset"
	StateDisconnected State = "disconnected"
)

// Valid reports whether s is a known account state.
func (s State) Valid() bool {
	switch s {
	case StateInit, StateConnecting, StateSyncing, StateConnected,
		StateAuthError, StateConnectError, StateUnset, StateDisconnected:
		return true
	}
	return false
}

// LastError records the most recent account-level failure.
type LastError struct {
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"timestamp"`
}

// IMAPConfig holds IMAP endpoint credentials. Password is plaintext in
// memory; the registry encrypts it before it reaches Redis.
type IMAPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	User     string `json:"user"`
	Password string `json:"pass,omitempty"`
}

// SMTPConfig holds submission endpoint credentials.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TLS      bool   `json:"tls"`
	User     string `json:"user"`
	Password string `json:"pass,omitempty"`
}

// OAuth2Config holds provider-backed credentials. RefreshToken is encrypted
// at rest; AccessToken is a short-lived cache the owning worker refreshes.
type OAuth2Config struct {
	Provider     string    `json:"provider"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	AccessToken  string    `json:"accessToken,omitempty"`
	Expires      time.Time `json:"expires,omitempty"`
}

// Account is one registered mail account.
type Account struct {
	ID    string `json:"account"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`

	State     State      `json:"state"`
	LastError *LastError `json:"lastError,omitempty"`

	// NotifyFrom is the watermark before which messageNew events are
	// suppressed. Monotonic: it never moves backwards.
	NotifyFrom time.Time `json:"notifyFrom,omitempty"`

	// CopyOnSend uploads submitted messages to the Sent mailbox.
	CopyOnSend bool `json:"copy,omitempty"`

	// Logs enables the per-account log ring.
	Logs bool `json:"logs,omitempty"`

	IMAP   *IMAPConfig   `json:"imap,omitempty"`
	SMTP   *SMTPConfig   `json:"smtp,omitempty"`
	OAuth2 *OAuth2Config `json:"oauth2,omitempty"`

	Created time.Time `json:"created,omitempty"`
}

// MaxIDLength bounds account ids.
const MaxIDLength = 256

// HasCredentials reports whether the account still carries any way to
// authenticate. False after a delete tombstones the credentials.
func (a *Account) HasCredentials() bool {
	return a.IMAP != nil || a.OAuth2 != nil
}

// Patch is a partial account update. Nil fields are left unchanged.
type Patch struct {
	Name       *string
	Email      *string
	NotifyFrom *time.Time
	CopyOnSend *bool
	Logs       *bool
	IMAP       *IMAPConfig
	SMTP       *SMTPConfig
	OAuth2     *OAuth2Config
}

// touchesConnection reports whether applying the patch can affect an open
// session, requiring the owning worker to reconnect.
func (p *Patch) touchesConnection() bool {
	return p.IMAP != nil || p.SMTP != nil || p.OAuth2 != nil
}
