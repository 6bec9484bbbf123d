package cfddns

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
)

const defaultSMTPPort = 587

// SMTPNotifier emails events.
// The connection is upgraded with STARTTLS whenever the server offers it.
type SMTPNotifier struct {
	Host     string
	Port     int // defaults to 587
	Username string
	Password string
	From     string
	To       []string

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (s *SMTPNotifier) String() string { return "smtp" }

func (s *SMTPNotifier) Notify(ctx context.Context, event Event) Outcome {
	if s.Host == "" || s.From == "" || len(s.To) == 0 {
		return failed(errors.New("smtp notifier needs a host, a sender and at least one recipient"))
	}
	port := s.Port
	if port == 0 {
		port = defaultSMTPPort
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(port))

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	send := s.sendMail
	if send == nil {
		send = smtp.SendMail
	}

	// net/smtp has no context support; the send is abandoned (not aborted) on cancellation.
	done := make(chan error, 1)
	msg := s.message(event)
	go func() { done <- send(addr, auth, s.From, s.To, msg) }()

	select {
	case <-ctx.Done():
		return failed(fmt.Errorf("sending mail via %s: %w", addr, ctx.Err()))
	case err := <-done:
		if err != nil {
			return failed(fmt.Errorf("sending mail via %s: %w", addr, err))
		}
		return delivered()
	}
}

func (s *SMTPNotifier) message(event Event) []byte {
	var b bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&b, "%s: %s\r\n", k, v) }
	header("From", s.From)
	header("To", strings.Join(s.To, ", "))
	header("Subject", "[cfddns] "+event.Summary())
	header("Date", event.OccurredAt.Format("Mon, 02 Jan 2006 15:04:05 -0700"))
	header("MIME-Version", "1.0")
	header("Content-Type", "text/plain; charset=utf-8")
	b.WriteString("\r\n")

	b.WriteString(event.Summary())
	b.WriteString("\r\n\r\n")
	keys := make([]string, 0, len(event.Payload))
	for k := range event.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\r\n", k, event.Payload[k])
	}
	fmt.Fprintf(&b, "event: %s\r\n", event.Kind)
	return b.Bytes()
}
