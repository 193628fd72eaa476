package auth

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/wneessen/go-mail"
)

// DefaultSendTimeout bounds a whole SMTP session when the caller's context
// carries no deadline of its own.
const DefaultSendTimeout = 30 * time.Second

// LogMailer writes codes to the log instead of sending them. Dev only.
type LogMailer struct {
	Log echo.Logger
}

func (m LogMailer) SendMagicCode(_ context.Context, email, code string) error {
	m.Log.Infof("magic code for %s: %s", email, code)
	return nil
}

type SMTPMailer struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

func (m SMTPMailer) message(email, code string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return nil, fmt.Errorf("sender %q: %w", m.From, err)
	}
	if err := msg.To(email); err != nil {
		return nil, fmt.Errorf("recipient %q: %w", email, err)
	}
	msg.Subject("Your sign-in code")
	msg.SetBodyString(mail.TypeTextPlain, fmt.Sprintf("Your code is %s. It can be used once.", code))
	return msg, nil
}

// SendMagicCode mails the code. The SMTP conversation is cut off when ctx is
// done, so a server that never answers cannot hold the request.
func (m SMTPMailer) SendMagicCode(ctx context.Context, email, code string) error {
	msg, err := m.message(email, code)
	if err != nil {
		return err
	}

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stop func() bool
	defer func() {
		if stop != nil {
			stop()
		}
	}()
	dial := func(dialCtx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(dialCtx, network, addr)
		if err != nil {
			return nil, err
		}
		stop = context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
		return conn, nil
	}

	opts := []mail.Option{
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(timeout),
		mail.WithDialContextFunc(dial),
	}
	if m.Port > 0 {
		opts = append(opts, mail.WithPort(m.Port))
	}
	if m.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.Username),
			mail.WithPassword(m.Password),
		)
	}
	client, err := mail.NewClient(m.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
