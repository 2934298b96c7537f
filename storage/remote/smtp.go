package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/creativeprojects/offmail/lib"
	"github.com/creativeprojects/offmail/storage"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type SMTPConfig struct {
	ServerURL string
	Username  string
	Password  string
	// NoTLS disables STARTTLS. ImplicitTLS connects with TLS from the start (port 465).
	NoTLS               bool
	ImplicitTLS         bool
	SkipTLSVerification bool
	// LocalName sent with EHLO
	LocalName   string
	Timeout     time.Duration
	DebugLogger lib.Logger
}

// SMTPSender delivers messages through a submission server
type SMTPSender struct {
	cfg SMTPConfig
	log lib.Logger
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("missing SMTP server address")
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Minute
	}
	log := cfg.DebugLogger
	if log == nil {
		log = &lib.NoLog{}
	}
	return &SMTPSender{
		cfg: cfg,
		log: log,
	}, nil
}

// Send delivers the message in a new SMTP session.
// Network failures wrap lib.ErrConnectionLost, and rejected credentials lib.ErrAuthFailed.
func (s *SMTPSender) Send(ctx context.Context, from string, to []string, body []byte) error {
	if len(to) == 0 {
		return errors.New("no recipient")
	}
	host, _, err := net.SplitHostPort(s.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid SMTP server address %q: %w", s.cfg.ServerURL, err)
	}
	tlsConfig := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: s.cfg.SkipTLSVerification,
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.ServerURL)
	if err != nil {
		return fmt.Errorf("%w: cannot connect to %s: %s", lib.ErrConnectionLost, s.cfg.ServerURL, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.Timeout))
	}
	if s.cfg.ImplicitTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return s.wrap(err)
	}
	defer c.Close()

	if err := c.Hello(s.cfg.LocalName); err != nil {
		return s.wrap(err)
	}
	if !s.cfg.NoTLS && !s.cfg.ImplicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return s.wrap(err)
			}
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return fmt.Errorf("%w: %s", lib.ErrAuthFailed, err)
		}
	}
	if err := c.Mail(from, nil); err != nil {
		return s.wrap(err)
	}
	for _, recipient := range to {
		if err := c.Rcpt(recipient); err != nil {
			return s.wrap(err)
		}
	}
	writer, err := c.Data()
	if err != nil {
		return s.wrap(err)
	}
	if _, err := writer.Write(body); err != nil {
		return s.wrap(err)
	}
	if err := writer.Close(); err != nil {
		return s.wrap(err)
	}
	s.log.Printf("message of %d bytes sent to %v", len(body), to)
	return s.wrap(c.Quit())
}

func (s *SMTPSender) wrap(err error) error {
	if err == nil {
		return nil
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		if smtpErr.Code == 535 {
			return fmt.Errorf("%w: %s", lib.ErrAuthFailed, err)
		}
		// 4xx replies are transient
		if smtpErr.Code >= 400 && smtpErr.Code < 500 {
			return fmt.Errorf("%w: %s", lib.ErrConnectionLost, err)
		}
		return err
	}
	if isNetworkError(err) {
		return fmt.Errorf("%w: %s", lib.ErrConnectionLost, err)
	}
	return err
}

var _ storage.Sender = &SMTPSender{}

