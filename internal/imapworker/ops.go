package imapworker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/control"
	"github.com/driftmail-io/driftmail/internal/events"
	"github.com/driftmail-io/driftmail/internal/outbox"
	"github.com/driftmail-io/driftmail/internal/queue"
)

// Account RPC operations served by a worker.
const (
	OpListMailboxes  = "listMailboxes"
	OpListMessages   = "listMessages"
	OpGetMessage     = "getMessage"
	OpGetText        = "getText"
	OpGetRawMessage  = "getRawMessage"
	OpGetAttachment  = "getAttachment"
	OpUpdateMessage  = "updateMessage"
	OpMoveMessage    = "moveMessage"
	OpDeleteMessage  = "deleteMessage"
	OpSubmitMessage  = "submitMessage"
	OpQueueMessage   = "queueMessage"
	OpUploadMessage  = "uploadMessage"
	OpCreateMailbox  = "createMailbox"
	OpDeleteMailbox  = "deleteMailbox"
	OpBuildContacts  = "buildContacts"
)

// Submission jobs default to a long retry schedule; permanent upstream
// errors short-circuit it through discard.
const (
	submitAttempts  = 10
	submitBaseDelay = 5 * time.Second
)

// Call serves one account-scoped RPC. When the account is not owned by this
// worker the structured no-handler error comes back; the supervisor routes
// calls to the owner, so hitting that path means ownership moved mid-call.
func (w *Worker) Call(ctx context.Context, account, op string, payload json.RawMessage) (json.RawMessage, *control.CallError) {
	c, ok := w.conn(account)
	if !ok {
		return nil, control.ErrNoHandler()
	}

	resp, callErr := c.dispatch(ctx, op, payload)
	if callErr != nil {
		w.logger.Debug("rpc failed",
			zap.String("account", account),
			zap.String("op", op),
			zap.String("error", callErr.Message),
		)
	}
	return resp, callErr
}

type messageRef struct {
	Mailbox string `json:"mailbox"`
	UID     uint32 `json:"uid"`
}

func (c *conn) dispatch(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, *control.CallError) {
	switch op {
	case OpQueueMessage:
		// Queuing needs no live session: the blob is durable and the
		// submission worker retries until the account reconnects.
		return c.queueMessage(ctx, payload)
	}

	session, callErr := c.liveSession()
	if callErr != nil {
		return nil, callErr
	}

	switch op {
	case OpListMailboxes:
		boxes, err := session.Mailboxes(ctx)
		if err != nil {
			return nil, sessionError(err)
		}
		return encode(map[string]any{"mailboxes": boxes})

	case OpListMessages:
		var p struct {
			Mailbox  string `json:"mailbox"`
			Page     int    `json:"page"`
			PageSize int    `json:"pageSize"`
		}
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.PageSize <= 0 {
			p.PageSize = 20
		}
		list, err := session.ListMessages(ctx, p.Mailbox, p.Page, p.PageSize)
		if err != nil {
			return nil, sessionError(err)
		}
		return encode(list)

	case OpGetMessage:
		var p messageRef
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		msg, err := session.GetMessage(ctx, p.Mailbox, p.UID)
		if err != nil {
			return nil, sessionError(err)
		}
		return encode(msg)

	case OpGetText:
		var p struct {
			messageRef
			MaxBytes int `json:"maxBytes"`
		}
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		text, err := session.GetText(ctx, p.Mailbox, p.UID, p.MaxBytes)
		if err != nil {
			return nil, sessionError(err)
		}
		return encode(map[string]string{"text": text})

	case OpGetRawMessage:
		var p messageRef
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		raw, err := session.GetRawMessage(ctx, p.Mailbox, p.UID)
		if err != nil {
			return nil, sessionError(err)
		}
		return encode(map[string][]byte{"raw": raw})

	case OpGetAttachment:
		var p struct {
			messageRef
			Part string `json:"part"`
		}
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		att, err := session.GetAttachment(ctx, p.Mailbox, p.UID, p.Part)
		if err != nil {
			return nil, sessionError(err)
		}
		return encode(att)

	case OpUpdateMessage:
		var p struct {
			messageRef
			Flags FlagsPatch `json:"flags"`
		}
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if err := session.UpdateMessage(ctx, p.Mailbox, p.UID, p.Flags); err != nil {
			return nil, sessionError(err)
		}
		return encode(map[string]bool{"updated": true})

	case OpMoveMessage:
		var p struct {
			messageRef
			Destination string `json:"destination"`
		}
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.Destination == "" {
			return nil, badRequest("destination mailbox is required")
		}
		if err := session.MoveMessage(ctx, p.Mailbox, p.UID, p.Destination); err != nil {
			return nil, sessionError(err)
		}
		return encode(map[string]bool{"moved": true})

	case OpDeleteMessage:
		var p messageRef
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if err := session.DeleteMessage(ctx, p.Mailbox, p.UID); err != nil {
			return nil, sessionError(err)
		}
		return encode(map[string]bool{"deleted": true})

	case OpSubmitMessage:
		return c.submitMessage(ctx, session, payload)

	case OpUploadMessage:
		var p struct {
			Mailbox string   `json:"mailbox"`
			Raw     []byte   `json:"raw"`
			Flags   []string `json:"flags"`
		}
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if len(p.Raw) == 0 {
			return nil, badRequest("message content is required")
		}
		uid, err := session.UploadMessage(ctx, p.Mailbox, p.Raw, p.Flags)
		if err != nil {
			return nil, sessionError(err)
		}
		return encode(map[string]uint32{"uid": uid})

	case OpCreateMailbox:
		var p struct {
			Path string `json:"path"`
		}
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.Path == "" {
			return nil, badRequest("mailbox path is required")
		}
		if err := session.CreateMailbox(ctx, p.Path); err != nil {
			return nil, sessionError(err)
		}
		return encode(map[string]bool{"created": true})

	case OpDeleteMailbox:
		var p struct {
			Path string `json:"path"`
		}
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.Path == "" {
			return nil, badRequest("mailbox path is required")
		}
		if err := session.DeleteMailbox(ctx, p.Path); err != nil {
			return nil, sessionError(err)
		}
		return encode(map[string]bool{"deleted": true})

	case OpBuildContacts:
		var p struct {
			Mailbox string `json:"mailbox"`
			Limit   int    `json:"limit"`
		}
		if err := decode(payload, &p); err != nil {
			return nil, err
		}
		if p.Limit <= 0 {
			p.Limit = 1000
		}
		contacts, err := session.Contacts(ctx, p.Mailbox, p.Limit)
		if err != nil {
			return nil, sessionError(err)
		}
		return encode(map[string]any{"contacts": contacts})
	}

	return nil, &control.CallError{
		Message:    "Unknown operation " + op,
		Code:       "UnknownOperation",
		StatusCode: 400,
	}
}

type submitParams struct {
	From string   `json:"from"`
	To   []string `json:"to"`
	Raw  []byte   `json:"raw"`
}

// submitMessage sends immediately through the live session. On success the
// message lands in Sent when copy-on-send is enabled, and a messageSent
// event goes out.
func (c *conn) submitMessage(ctx context.Context, session Session, payload json.RawMessage) (json.RawMessage, *control.CallError) {
	var p submitParams
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if len(p.To) == 0 || len(p.Raw) == 0 {
		return nil, badRequest("recipients and message content are required")
	}
	if p.From == "" {
		p.From = c.acc.Email
	}

	if err := session.Submit(ctx, p.From, p.To, p.Raw); err != nil {
		return nil, sessionError(err)
	}

	if c.acc.CopyOnSend {
		if _, err := session.UploadMessage(ctx, "Sent", p.Raw, []string{"\\Seen"}); err != nil {
			// The message went out; a failed Sent copy is not a submission
			// failure.
			c.logger.Warn("copy-on-send upload failed", zap.Error(err))
		}
	}

	c.emit(events.MessageSent, map[string]any{"from": p.From, "to": p.To})
	c.log("info", "message submitted")
	return encode(map[string]bool{"sent": true})
}

type queueParams struct {
	submitParams
	QueueID   string     `json:"queueId"`
	MessageID string     `json:"messageId"`
	SendAt    *time.Time `json:"sendAt"`
}

// queueMessage stores the message durably and schedules a submit job.
// Re-queuing the same queueId replaces the stored blob, not duplicates it.
func (c *conn) queueMessage(ctx context.Context, payload json.RawMessage) (json.RawMessage, *control.CallError) {
	var p queueParams
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if len(p.To) == 0 || len(p.Raw) == 0 {
		return nil, badRequest("recipients and message content are required")
	}
	if p.From == "" {
		p.From = c.acc.Email
	}
	if p.QueueID == "" {
		p.QueueID = uuid.NewString()
	}

	if err := c.w.cfg.Outbox.Put(ctx, c.acc.ID, &outbox.Blob{
		QueueID:   p.QueueID,
		MessageID: p.MessageID,
		From:      p.From,
		To:        p.To,
		Raw:       p.Raw,
	}); err != nil {
		return nil, internalError(err)
	}

	jobPayload, err := json.Marshal(outbox.SubmitPayload{
		Account:   c.acc.ID,
		QueueID:   p.QueueID,
		MessageID: p.MessageID,
	})
	if err != nil {
		return nil, internalError(err)
	}

	var delay time.Duration
	if p.SendAt != nil {
		if d := time.Until(*p.SendAt); d > 0 {
			delay = d
		}
	}
	if _, err := c.w.cfg.Queue.Enqueue(ctx, queue.Submit, jobPayload, queue.Options{
		Attempts:  submitAttempts,
		BaseDelay: submitBaseDelay,
		Delay:     delay,
	}); err != nil {
		return nil, internalError(err)
	}

	c.log("info", "message queued for submission")
	return encode(map[string]string{"queueId": p.QueueID})
}

// --- helpers -----------------------------------------------------------------

func decode(payload json.RawMessage, into any) *control.CallError {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, into); err != nil {
		return badRequest("invalid request payload: " + err.Error())
	}
	return nil
}

func encode(v any) (json.RawMessage, *control.CallError) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, internalError(err)
	}
	return raw, nil
}

func badRequest(msg string) *control.CallError {
	return &control.CallError{Message: msg, Code: "InvalidRequest", StatusCode: 400}
}

func internalError(err error) *control.CallError {
	return &control.CallError{Message: err.Error(), Code: "InternalError", StatusCode: 500}
}

func sessionError(err error) *control.CallError {
	switch {
	case errors.Is(err, ErrNoMailbox):
		return &control.CallError{Message: err.Error(), Code: "MailboxNotFound", StatusCode: 404}
	case errors.Is(err, context.DeadlineExceeded):
		return control.ErrTimeout()
	}
	return &control.CallError{Message: err.Error(), Code: "SessionError", StatusCode: 502}
}
