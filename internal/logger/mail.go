package logger

import (
	"fmt"
	"net/smtp"

	"github.com/jordan-wright/email"
)

type Mailer interface {
	Send(subject, body string) error
}

// SMTPMailer шлёт алерты одному адресату
type SMTPMailer struct {
	host string
	port string
	user string
	pass string
	from string
	to   string
}

func NewSMTPMailer(host, port, user, pass, from, to string) *SMTPMailer {
	return &SMTPMailer{host: host, port: port, user: user, pass: pass, from: from, to: to}
}

func (s *SMTPMailer) Send(subject, body string) error {
	addr := fmt.Sprintf("%s:%s", s.host, s.port)
	auth := smtp.PlainAuth("", s.user, s.pass, s.host)

	e := email.NewEmail()
	e.From = s.from
	e.To = []string{s.to}
	e.Subject = subject
	e.Text = []byte(body)

	return e.Send(addr, auth)
}
