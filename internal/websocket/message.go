// Package websocket pushes live engine events to connected admin clients.
// It wraps gorilla/websocket with a topic-based broadcast hub fed by the
// supervisor's control-channel subscription.
//
// Topic naming convention:
//
//	account:<id>  — state transitions for one account
//	accounts      — state transitions for every account
//	stats         — periodic queue and connection counters
package websocket

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgAccountState is sent when an account's connection state changes
	// (connecting → syncing → connected, error states, disconnected).
	MsgAccountState MessageType = "account.state"

	// MsgAccountLog is sent for log-ring appends on accounts with logging
	// enabled, so the admin UI can tail an account live.
	MsgAccountLog MessageType = "account.log"

	// MsgStats is sent periodically with queue depths and the connected
	// account count.
	MsgStats MessageType = "stats"
)

// Message is the envelope for every frame pushed to clients.
//
// JSON example:
//
//	{"type":"account.state","topic":"account:alice","payload":{"state":"connected"}}
type Message struct {
	Type MessageType `json:"type"`

	// Topic is the channel this message was published on. Clients use it
	// to associate the update with the right view.
	Topic string `json:"topic"`

	// Payload shape varies by Type:
	//   - account.state: {"account":"...","state":"connected"}
	//   - account.log:   {"level":"info","message":"...","ts":"..."}
	//   - stats:         {"connected":12,"pending":{"submit":0,"notify":3}}
	Payload any `json:"payload"`
}
