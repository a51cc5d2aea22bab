// Package smtpserver accepts local submissions over SMTP and hands them to
// the durable submission pipeline. The sender address selects the account;
// delivery happens through that account's own SMTP credentials, so this
// server never relays directly.
package smtpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/driftmail-io/driftmail/internal/accounts"
	"github.com/driftmail-io/driftmail/internal/outbox"
	"github.com/driftmail-io/driftmail/internal/queue"
)

const (
	submitAttempts  = 10
	submitBaseDelay = 5 * time.Second

	defaultMaxMessageBytes = 25 << 20
)

// Config for a Server.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:2525".
	Addr string

	// Domain is announced in the SMTP greeting.
	Domain string

	Registry *accounts.Registry
	Blobs    *outbox.Store
	Engine   *queue.Engine
	Logger   *zap.Logger

	// MaxMessageBytes bounds accepted message size. Defaults to 25 MiB.
	MaxMessageBytes int64
}

// Server is the reception endpoint. Create with New, then ListenAndServe.
type Server struct {
	cfg    Config
	srv    *smtp.Server
	logger *zap.Logger
}

// New creates a Server. Nothing listens until ListenAndServe or Serve.
func New(cfg Config) *Server {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.Named("smtpserver"),
	}

	srv := smtp.NewServer(&backend{s: s})
	srv.Addr = cfg.Addr
	srv.Domain = cfg.Domain
	srv.ReadTimeout = time.Minute
	srv.WriteTimeout = time.Minute
	srv.MaxMessageBytes = cfg.MaxMessageBytes
	srv.MaxRecipients = 100
	s.srv = srv
	return s
}

// ListenAndServe blocks serving connections until Close.
func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp reception listening", zap.String("addr", s.cfg.Addr))
	return s.srv.ListenAndServe()
}

// Serve accepts connections from l. Used by tests with an ephemeral port.
func (s *Server) Serve(l net.Listener) error {
	return s.srv.Serve(l)
}

// Close stops the listener and open connections.
func (s *Server) Close() error {
	return s.srv.Close()
}

type backend struct {
	s *Server
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{s: b.s}, nil
}

// session handles one SMTP transaction.
type session struct {
	s     *Server
	from  string
	rcpts []string
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.rcpts = append(s.rcpts, to)
	return nil
}

// Data stores the message as an outbox blob on the sender's account and
// schedules a submit job. The SMTP answer is returned once the message is
// durable, not once it is delivered.
func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acc, err := s.s.accountForSender(ctx, s.from)
	if err != nil {
		return err
	}

	queueID := uuid.NewString()
	if err := s.s.cfg.Blobs.Put(ctx, acc.ID, &outbox.Blob{
		QueueID: queueID,
		From:    s.from,
		To:      append([]string(nil), s.rcpts...),
		Raw:     raw,
	}); err != nil {
		return fmt.Errorf("smtpserver: store message: %w", err)
	}

	payload, err := json.Marshal(outbox.SubmitPayload{Account: acc.ID, QueueID: queueID})
	if err != nil {
		return err
	}
	if _, err := s.s.cfg.Engine.Enqueue(ctx, queue.Submit, payload, queue.Options{
		Attempts:  submitAttempts,
		BaseDelay: submitBaseDelay,
	}); err != nil {
		return fmt.Errorf("smtpserver: schedule submission: %w", err)
	}

	s.s.logger.Info("message accepted",
		zap.String("account", acc.ID),
		zap.String("queue_id", queueID),
		zap.Int("recipients", len(s.rcpts)),
	)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error { return nil }

// accountForSender matches the envelope sender to a registered account by
// its email address.
func (s *Server) accountForSender(ctx context.Context, from string) (*accounts.Account, error) {
	ids, err := s.cfg.Registry.IDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		acc, err := s.cfg.Registry.Load(ctx, id)
		if err != nil {
			continue
		}
		if strings.EqualFold(acc.Email, from) {
			return acc, nil
		}
	}
	return nil, &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "no account registered for sender " + from,
	}
}
