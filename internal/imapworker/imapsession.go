package imapworker

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/accounts"
)

const (
	defaultPollInterval = 30 * time.Second
	dialTimeout         = 30 * time.Second
	watchMailbox        = "INBOX"
)

// NetDialer opens real IMAP sessions. Zero value is not usable; create with
// NewNetDialer.
type NetDialer struct {
	registry *accounts.Registry
	apps     map[string]OAuth2App
	poll     time.Duration
	logger   *zap.Logger
}

// NewNetDialer creates a dialer. apps maps OAuth2 provider ids to registered
// application credentials; accounts referencing an unknown provider fail to
// authenticate.
func NewNetDialer(registry *accounts.Registry, apps map[string]OAuth2App, logger *zap.Logger) *NetDialer {
	return &NetDialer{
		registry: registry,
		apps:     apps,
		poll:     defaultPollInterval,
		logger:   logger.Named("dial"),
	}
}

// Dial connects, authenticates and starts the change watcher for an account.
func (d *NetDialer) Dial(ctx context.Context, acc *accounts.Account) (Session, error) {
	if acc.IMAP == nil {
		return nil, fmt.Errorf("%w: account %s has no imap endpoint", ErrAuthFailed, acc.ID)
	}

	addr := fmt.Sprintf("%s:%d", acc.IMAP.Host, acc.IMAP.Port)
	netDialer := &net.Dialer{Timeout: dialTimeout}
	var (
		cl  *client.Client
		err error
	)
	if acc.IMAP.TLS {
		cl, err = client.DialWithDialerTLS(netDialer, addr, &tls.Config{ServerName: acc.IMAP.Host})
	} else {
		cl, err = client.DialWithDialer(netDialer, addr)
		if err == nil {
			if ok, _ := cl.SupportStartTLS(); ok {
				err = cl.StartTLS(&tls.Config{ServerName: acc.IMAP.Host})
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("imapworker: dial %s: %w", addr, err)
	}

	if acc.OAuth2 != nil {
		token, tokenErr := d.accessToken(ctx, acc)
		if tokenErr != nil {
			_ = cl.Logout()
			return nil, tokenErr
		}
		err = cl.Authenticate(newXOAuth2Client(acc.IMAP.User, token))
	} else {
		err = cl.Login(acc.IMAP.User, acc.IMAP.Password)
	}
	if err != nil {
		_ = cl.Logout()
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, err.Error())
	}

	s := &imapSession{
		cl:      cl,
		acc:     acc,
		dialer:  d,
		poll:    d.poll,
		logger:  d.logger.With(zap.String("account", acc.ID)),
		changes: make(chan Change, 64),
		pending: make(chan client.Update, 64),
		stopCh:  make(chan struct{}),
	}

	mbox, err := cl.Select(watchMailbox, false)
	if err != nil {
		_ = cl.Logout()
		return nil, fmt.Errorf("imapworker: select %s: %w", watchMailbox, err)
	}
	s.selected = watchMailbox
	s.lastCount = mbox.Messages

	updates := make(chan client.Update, 16)
	cl.Updates = updates
	go s.readUpdates(updates)
	go s.processUpdates()
	go s.pollLoop()
	return s, nil
}

// imapSession is a live go-imap backed session. cmdMu serializes protocol
// commands between RPC calls and the poll loop.
type imapSession struct {
	cl     *client.Client
	acc    *accounts.Account
	dialer *NetDialer
	poll   time.Duration
	logger *zap.Logger

	changes chan Change
	pending chan client.Update
	stopCh  chan struct{}
	stopped sync.Once

	cmdMu     sync.Mutex
	selected  string
	lastCount uint32
}

func (s *imapSession) Changes() <-chan Change { return s.changes }

// Close logs out and stops the watcher goroutines. Safe to call twice.
func (s *imapSession) Close() error {
	s.stopped.Do(func() { close(s.stopCh) })
	return s.cl.Logout()
}

// --- change watching ---------------------------------------------------------

// readUpdates drains the client's update channel without ever blocking a
// protocol command. Overflow is dropped; the next poll re-observes counts.
func (s *imapSession) readUpdates(updates <-chan client.Update) {
	for {
		select {
		case upd := <-updates:
			select {
			case s.pending <- upd:
			default:
				s.logger.Warn("update backlog full, dropping update")
			}
		case <-s.cl.LoggedOut():
			return
		case <-s.stopCh:
			return
		}
	}
}

// processUpdates is the only sender on changes, so it alone closes the
// channel. Close and a dropped connection both end the stream, which is
// what the connection loop keys its own shutdown on.
func (s *imapSession) processUpdates() {
	defer close(s.changes)
	for {
		select {
		case upd := <-s.pending:
			s.handleUpdate(upd)
		case <-s.cl.LoggedOut():
			return
		case <-s.stopCh:
			return
		}
	}
}

// pollLoop nudges the server so unilateral updates flow even between
// commands.
//
// TODO: use IDLE when the server advertises it instead of fixed polling.
func (s *imapSession) pollLoop() {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cmdMu.Lock()
			err := s.cl.Noop()
			s.cmdMu.Unlock()
			if err != nil {
				s.logger.Debug("poll noop failed", zap.Error(err))
				return
			}
		case <-s.cl.LoggedOut():
			return
		case <-s.stopCh:
			return
		}
	}
}

func (s *imapSession) handleUpdate(upd client.Update) {
	switch u := upd.(type) {
	case *client.MailboxUpdate:
		if u.Mailbox == nil || u.Mailbox.Name != watchMailbox {
			return
		}
		s.cmdMu.Lock()
		prev := s.lastCount
		count := u.Mailbox.Messages
		if count > prev {
			s.lastCount = count
			msgs, err := s.fetchRange(prev+1, count)
			s.cmdMu.Unlock()
			if err != nil {
				s.logger.Warn("failed to fetch new messages", zap.Error(err))
				return
			}
			for _, m := range msgs {
				s.deliver(Change{
					Kind:    ChangeMessageNew,
					Mailbox: watchMailbox,
					UID:     m.UID,
					Date:    m.Date,
					Data:    m,
				})
			}
			return
		}
		s.lastCount = count
		s.cmdMu.Unlock()

	case *client.ExpungeUpdate:
		s.cmdMu.Lock()
		if s.lastCount > 0 {
			s.lastCount--
		}
		s.cmdMu.Unlock()
		s.deliver(Change{
			Kind:    ChangeMessageDeleted,
			Mailbox: watchMailbox,
			Data:    map[string]uint32{"seq": u.SeqNum},
		})

	case *client.MessageUpdate:
		if u.Message == nil {
			return
		}
		flags := make([]string, len(u.Message.Flags))
		copy(flags, u.Message.Flags)
		s.deliver(Change{
			Kind:    ChangeMessageUpdated,
			Mailbox: watchMailbox,
			UID:     u.Message.Uid,
			Data:    map[string]any{"uid": u.Message.Uid, "flags": flags},
		})
	}
}

func (s *imapSession) deliver(change Change) {
	select {
	case s.changes <- change:
	case <-s.stopCh:
	}
}

// --- mailbox operations ------------------------------------------------------

func (s *imapSession) Mailboxes(_ context.Context) ([]*MailboxInfo, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() { done <- s.cl.List("", "*", ch) }()

	var out []*MailboxInfo
	for info := range ch {
		out = append(out, &MailboxInfo{
			Path:      info.Name,
			Delimiter: info.Delimiter,
			Flags:     info.Attributes,
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imapworker: list mailboxes: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	for _, m := range out {
		if m.Path == s.selected {
			m.Messages = s.lastCount
		}
	}
	return out, nil
}

func (s *imapSession) CreateMailbox(_ context.Context, path string) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if err := s.cl.Create(path); err != nil {
		return fmt.Errorf("imapworker: create mailbox %s: %w", path, err)
	}
	return nil
}

func (s *imapSession) DeleteMailbox(_ context.Context, path string) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if err := s.cl.Delete(path); err != nil {
		return fmt.Errorf("imapworker: delete mailbox %s: %w", path, err)
	}
	return nil
}

// --- message operations ------------------------------------------------------

func (s *imapSession) ListMessages(_ context.Context, mailbox string, page, pageSize int) (*MessageList, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	mbox, err := s.selectMailbox(mailbox)
	if err != nil {
		return nil, err
	}

	total := mbox.Messages
	pages := (int(total) + pageSize - 1) / pageSize
	list := &MessageList{Mailbox: mailbox, Total: total, Page: page, Pages: pages}

	// Newest first: page 0 holds the highest sequence numbers.
	hi := int(total) - page*pageSize
	if hi <= 0 {
		return list, nil
	}
	lo := hi - pageSize + 1
	if lo < 1 {
		lo = 1
	}

	msgs, err := s.fetchRange(uint32(lo), uint32(hi))
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].UID > msgs[j].UID })
	list.Messages = msgs
	return list, nil
}

// fetchRange loads envelope summaries for a sequence range. cmdMu held.
func (s *imapSession) fetchRange(from, to uint32) ([]*MessageSummary, error) {
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, to)
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, imap.FetchRFC822Size}

	ch := make(chan *imap.Message, 32)
	done := make(chan error, 1)
	go func() { done <- s.cl.Fetch(seqset, items, ch) }()

	var out []*MessageSummary
	for msg := range ch {
		out = append(out, summarize(msg))
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imapworker: fetch %d:%d: %w", from, to, err)
	}
	return out, nil
}

func (s *imapSession) GetMessage(ctx context.Context, mailbox string, uid uint32) (*Message, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if _, err := s.selectMailbox(mailbox); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	textSection := &imap.BodySectionName{Peek: true}
	textSection.Specifier = imap.TextSpecifier
	items := []imap.FetchItem{
		imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid,
		imap.FetchRFC822Size, imap.FetchBodyStructure,
		textSection.FetchItem(),
	}

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- s.cl.UidFetch(seqset, items, ch) }()

	var msg *Message
	for m := range ch {
		msg = &Message{MessageSummary: *summarize(m)}
		if body := m.GetBody(textSection); body != nil {
			raw, _ := io.ReadAll(body)
			msg.Text = string(raw)
		}
		if m.BodyStructure != nil {
			msg.Attachments = collectAttachments(m.BodyStructure, nil)
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imapworker: fetch uid %d: %w", uid, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("imapworker: message uid %d not found", uid)
	}
	return msg, nil
}

func (s *imapSession) GetText(_ context.Context, mailbox string, uid uint32, maxBytes int) (string, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if _, err := s.selectMailbox(mailbox); err != nil {
		return "", err
	}

	section := &imap.BodySectionName{Peek: true}
	section.Specifier = imap.TextSpecifier
	raw, err := s.fetchSection(uid, section)
	if err != nil {
		return "", err
	}
	if maxBytes > 0 && len(raw) > maxBytes {
		raw = raw[:maxBytes]
	}
	return string(raw), nil
}

func (s *imapSession) GetRawMessage(_ context.Context, mailbox string, uid uint32) ([]byte, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if _, err := s.selectMailbox(mailbox); err != nil {
		return nil, err
	}
	return s.fetchSection(uid, &imap.BodySectionName{Peek: true})
}

func (s *imapSession) GetAttachment(_ context.Context, mailbox string, uid uint32, part string) (*Attachment, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if _, err := s.selectMailbox(mailbox); err != nil {
		return nil, err
	}

	path, err := parsePartPath(part)
	if err != nil {
		return nil, err
	}

	structure, err := s.fetchStructure(uid)
	if err != nil {
		return nil, err
	}
	node := partAt(structure, path)
	if node == nil {
		return nil, fmt.Errorf("imapworker: message uid %d has no part %s", uid, part)
	}

	section := &imap.BodySectionName{Peek: true}
	section.Path = path
	raw, err := s.fetchSection(uid, section)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(node.Encoding, "base64") {
		decoded, decErr := base64.StdEncoding.DecodeString(strings.Map(dropSpace, string(raw)))
		if decErr == nil {
			raw = decoded
		}
	}

	att := &Attachment{
		AttachmentInfo: AttachmentInfo{
			Part:        part,
			ContentType: strings.ToLower(node.MIMEType + "/" + node.MIMESubType),
			Size:        len(raw),
		},
		Content: raw,
	}
	if name, ok := node.Params["name"]; ok {
		att.Filename = name
	} else if node.DispositionParams != nil {
		att.Filename = node.DispositionParams["filename"]
	}
	return att, nil
}

func (s *imapSession) UpdateMessage(_ context.Context, mailbox string, uid uint32, patch FlagsPatch) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if _, err := s.selectMailbox(mailbox); err != nil {
		return err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	add := append([]string(nil), patch.Add...)
	remove := append([]string(nil), patch.Remove...)
	if patch.Seen != nil {
		if *patch.Seen {
			add = append(add, imap.SeenFlag)
		} else {
			remove = append(remove, imap.SeenFlag)
		}
	}

	if len(add) > 0 {
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := s.cl.UidStore(seqset, item, flagArgs(add), nil); err != nil {
			return fmt.Errorf("imapworker: add flags on uid %d: %w", uid, err)
		}
	}
	if len(remove) > 0 {
		item := imap.FormatFlagsOp(imap.RemoveFlags, true)
		if err := s.cl.UidStore(seqset, item, flagArgs(remove), nil); err != nil {
			return fmt.Errorf("imapworker: remove flags on uid %d: %w", uid, err)
		}
	}
	return nil
}

func (s *imapSession) MoveMessage(_ context.Context, mailbox string, uid uint32, destination string) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if _, err := s.selectMailbox(mailbox); err != nil {
		return err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	if err := s.cl.UidMove(seqset, destination); err == nil {
		return nil
	}
	// Servers without MOVE get the classic copy + delete + expunge dance.
	if err := s.cl.UidCopy(seqset, destination); err != nil {
		return fmt.Errorf("imapworker: copy uid %d to %s: %w", uid, destination, err)
	}
	return s.expunge(seqset, uid)
}

func (s *imapSession) DeleteMessage(_ context.Context, mailbox string, uid uint32) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if _, err := s.selectMailbox(mailbox); err != nil {
		return err
	}
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	return s.expunge(seqset, uid)
}

// expunge flags a message deleted and expunges. cmdMu held.
func (s *imapSession) expunge(seqset *imap.SeqSet, uid uint32) error {
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := s.cl.UidStore(seqset, item, flagArgs([]string{imap.DeletedFlag}), nil); err != nil {
		return fmt.Errorf("imapworker: flag uid %d deleted: %w", uid, err)
	}
	if err := s.cl.Expunge(nil); err != nil {
		return fmt.Errorf("imapworker: expunge: %w", err)
	}
	return nil
}

func (s *imapSession) UploadMessage(_ context.Context, mailbox string, raw []byte, flags []string) (uint32, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if err := s.cl.Append(mailbox, flags, time.Now(), bytes.NewBuffer(raw)); err != nil {
		return 0, fmt.Errorf("imapworker: append to %s: %w", mailbox, err)
	}
	return 0, nil
}

func (s *imapSession) Contacts(_ context.Context, mailbox string, limit int) ([]*Contact, error) {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	if mailbox == "" {
		mailbox = watchMailbox
	}
	mbox, err := s.selectMailbox(mailbox)
	if err != nil {
		return nil, err
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	lo := int(mbox.Messages) - limit + 1
	if lo < 1 {
		lo = 1
	}
	msgs, err := s.fetchRange(uint32(lo), mbox.Messages)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]*Contact)
	for _, m := range msgs {
		for _, addr := range append([]string{m.From}, m.To...) {
			if addr == "" {
				continue
			}
			if _, ok := seen[addr]; !ok {
				seen[addr] = &Contact{Address: addr}
			}
		}
	}
	out := make([]*Contact, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// selectMailbox switches the session to mailbox when needed. cmdMu held.
func (s *imapSession) selectMailbox(mailbox string) (*imap.MailboxStatus, error) {
	if mailbox == "" {
		mailbox = watchMailbox
	}
	if mailbox == s.selected && s.cl.Mailbox() != nil {
		return s.cl.Mailbox(), nil
	}
	mbox, err := s.cl.Select(mailbox, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMailbox, mailbox)
	}
	s.selected = mailbox
	if mailbox == watchMailbox {
		s.lastCount = mbox.Messages
	}
	return mbox, nil
}

// fetchSection loads one body section by uid. cmdMu held.
func (s *imapSession) fetchSection(uid uint32, section *imap.BodySectionName) ([]byte, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- s.cl.UidFetch(seqset, []imap.FetchItem{section.FetchItem()}, ch) }()

	var raw []byte
	for msg := range ch {
		if body := msg.GetBody(section); body != nil {
			raw, _ = io.ReadAll(body)
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imapworker: fetch section for uid %d: %w", uid, err)
	}
	return raw, nil
}

// fetchStructure loads the body structure by uid. cmdMu held.
func (s *imapSession) fetchStructure(uid uint32) (*imap.BodyStructure, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)

	ch := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() { done <- s.cl.UidFetch(seqset, []imap.FetchItem{imap.FetchBodyStructure}, ch) }()

	var structure *imap.BodyStructure
	for msg := range ch {
		structure = msg.BodyStructure
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("imapworker: fetch structure for uid %d: %w", uid, err)
	}
	if structure == nil {
		return nil, fmt.Errorf("imapworker: message uid %d not found", uid)
	}
	return structure, nil
}

// --- submission --------------------------------------------------------------

func (s *imapSession) Submit(ctx context.Context, from string, to []string, raw []byte) error {
	if s.acc.SMTP == nil {
		return fmt.Errorf("imapworker: account %s has no smtp endpoint", s.acc.ID)
	}
	cfg := s.acc.SMTP
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var auth sasl.Client
	if s.acc.OAuth2 != nil {
		token, err := s.dialer.accessToken(ctx, s.acc)
		if err != nil {
			return err
		}
		auth = newXOAuth2Client(cfg.User, token)
	} else {
		auth = sasl.NewPlainClient("", cfg.User, cfg.Password)
	}

	var (
		c   *smtp.Client
		err error
	)
	if cfg.TLS {
		c, err = smtp.DialTLS(addr, &tls.Config{ServerName: cfg.Host})
	} else {
		c, err = smtp.DialStartTLS(addr, &tls.Config{ServerName: cfg.Host})
	}
	if err != nil {
		return fmt.Errorf("imapworker: smtp dial %s: %w", addr, err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("%w: smtp: %s", ErrAuthFailed, err.Error())
	}
	if err := c.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("imapworker: smtp send: %w", err)
	}
	return c.Quit()
}

// --- helpers -----------------------------------------------------------------

func summarize(msg *imap.Message) *MessageSummary {
	sum := &MessageSummary{
		UID:   msg.Uid,
		Flags: append([]string(nil), msg.Flags...),
		Size:  msg.Size,
	}
	if env := msg.Envelope; env != nil {
		sum.MessageID = env.MessageId
		sum.Subject = env.Subject
		sum.Date = env.Date
		if len(env.From) > 0 {
			sum.From = env.From[0].Address()
		}
		for _, to := range env.To {
			sum.To = append(sum.To, to.Address())
		}
	}
	return sum
}

// collectAttachments walks a body structure depth-first, recording parts
// with an attachment disposition or a non-text leaf type.
func collectAttachments(bs *imap.BodyStructure, path []int) []AttachmentInfo {
	if bs == nil {
		return nil
	}
	if len(bs.Parts) > 0 {
		var out []AttachmentInfo
		for i, part := range bs.Parts {
			sub := append(append([]int(nil), path...), i+1)
			out = append(out, collectAttachments(part, sub)...)
		}
		return out
	}

	disp := strings.ToLower(bs.Disposition)
	isText := strings.EqualFold(bs.MIMEType, "text")
	if disp != "attachment" && (isText || strings.EqualFold(bs.MIMEType, "multipart")) {
		return nil
	}

	info := AttachmentInfo{
		Part:        partPathString(path),
		ContentType: strings.ToLower(bs.MIMEType + "/" + bs.MIMESubType),
		Size:        int(bs.Size),
	}
	if name, ok := bs.Params["name"]; ok {
		info.Filename = name
	} else if bs.DispositionParams != nil {
		info.Filename = bs.DispositionParams["filename"]
	}
	return []AttachmentInfo{info}
}

func partAt(bs *imap.BodyStructure, path []int) *imap.BodyStructure {
	node := bs
	for _, idx := range path {
		if node == nil || idx < 1 || idx > len(node.Parts) {
			// A single-part message addresses its body as part 1.
			if idx == 1 && node != nil && len(node.Parts) == 0 {
				return node
			}
			return nil
		}
		node = node.Parts[idx-1]
	}
	return node
}

func parsePartPath(part string) ([]int, error) {
	if part == "" {
		return nil, fmt.Errorf("imapworker: empty part path")
	}
	fields := strings.Split(part, ".")
	path := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("imapworker: invalid part path %q", part)
		}
		path[i] = n
	}
	return path, nil
}

func partPathString(path []int) string {
	fields := make([]string, len(path))
	for i, n := range path {
		fields[i] = strconv.Itoa(n)
	}
	return strings.Join(fields, ".")
}

func flagArgs(flags []string) []interface{} {
	out := make([]interface{}, len(flags))
	for i, f := range flags {
		out[i] = f
	}
	return out
}

func dropSpace(r rune) rune {
	switch r {
	case ' ', '\t', '\r', '\n':
		return -1
	}
	return r
}
