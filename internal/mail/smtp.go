package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
)

// SMTP implements Transport over a plain SMTP submission endpoint with
// STARTTLS and AUTH PLAIN.
type SMTP struct {
	addr string
	auth smtp.Auth
	from string
}

// NewSMTP creates an SMTP transport for host:port, authenticating as
// username when credentials are provided.
func NewSMTP(host string, port int, username, password, from string) *SMTP {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTP{
		addr: fmt.Sprintf("%s:%d", host, port),
		auth: auth,
		from: from,
	}
}

// Send delivers one HTML message. SMTP 4xx replies are classified transient,
// 5xx permanent; network-level failures are transient.
func (s *SMTP) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload := buildMIME(s.from, to, subject, htmlBody)

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(s.addr, s.auth, s.from, []string{to}, payload)
	}()

	select {
	case <-ctx.Done():
		return Transient(ctx.Err())
	case err := <-done:
		if err == nil {
			return nil
		}
		return classify(err)
	}
}

func classify(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			return Transient(err)
		}
		return Permanent(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}
	return Permanent(err)
}

func buildMIME(from, to, subject, htmlBody string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)
	return []byte(b.String())
}
