// Package email implements the Email Dispatcher Adapter: the single outbound-message
// contract the core uses to deliver password-reset and emergency-2FA-disable tokens.
// Transport is plain SMTP with optional STARTTLS, matching the single external mail
// relay this service is expected to run against.
package email

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/leocalm/piggy-pulse-api/internal/pkg/metrics"
)

// Message is a single outbound notification.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Dispatcher sends Messages over SMTP. A zero-value Dispatcher with Enabled=false
// never dials out, which keeps local development and tests free of network calls.
type Dispatcher struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Enabled  bool
	Timeout  time.Duration
}

// New builds a Dispatcher from raw configuration values.
func New(host string, port int, username, password, from string, enabled bool) *Dispatcher {
	return &Dispatcher{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		Enabled:  enabled,
		Timeout:  10 * time.Second,
	}
}

// Send delivers msg. If the dispatcher is disabled the message is dropped silently —
// callers (password reset, emergency disable) must never fail the request because mail
// delivery is off in an environment that doesn't need it.
func (d *Dispatcher) Send(msg Message) error {
	if !d.Enabled {
		metrics.EmailDispatchTotal.WithLabelValues("disabled").Inc()
		return nil
	}
	if msg.To == "" {
		metrics.EmailDispatchTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("email: recipient address is empty")
	}

	if err := d.send(msg); err != nil {
		metrics.EmailDispatchTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.EmailDispatchTotal.WithLabelValues("sent").Inc()
	return nil
}

func (d *Dispatcher) send(msg Message) error {
	addr := fmt.Sprintf("%s:%d", d.Host, d.Port)
	auth := smtp.PlainAuth("", d.Username, d.Password, d.Host)

	headers := make(map[string]string)
	headers["From"] = d.From
	headers["To"] = msg.To
	headers["Subject"] = msg.Subject
	headers["MIME-Version"] = "1.0"
	headers["Content-Type"] = "text/plain; charset=UTF-8"

	var b strings.Builder
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	if d.Port == 587 {
		return d.sendSTARTTLS(addr, auth, []string{msg.To}, []byte(b.String()))
	}
	return smtp.SendMail(addr, auth, d.From, []string{msg.To}, []byte(b.String()))
}

func (d *Dispatcher) sendSTARTTLS(addr string, auth smtp.Auth, to []string, msg []byte) error {
	client, err := smtp.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: d.Host}
	if err := client.StartTLS(tlsConfig); err != nil {
		return err
	}
	if err := client.Auth(auth); err != nil {
		return err
	}
	if err := client.Mail(d.From); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// PasswordResetMessage builds the recovery email for a password-reset request.
func PasswordResetMessage(to, token, frontendBaseURL string) Message {
	link := fmt.Sprintf("%s/reset-password?token=%s", strings.TrimSuffix(frontendBaseURL, "/"), token)
	return Message{
		To:      to,
		Subject: "Reset your password",
		Body: fmt.Sprintf(
			"A password reset was requested for your account.\n\n"+
				"Reset your password: %s\n\n"+
				"This link expires shortly. If you did not request this, ignore this email.\n",
			link,
		),
	}
}

// AccountUnlockMessage builds the notification for an account-axis lockout, carrying
// the unlock token. Network-address locks never generate this message.
func AccountUnlockMessage(to, token, frontendBaseURL string) Message {
	link := fmt.Sprintf("%s/unlock-account?token=%s", strings.TrimSuffix(frontendBaseURL, "/"), token)
	return Message{
		To:      to,
		Subject: "Your account was locked",
		Body: fmt.Sprintf(
			"Too many failed login attempts locked your account.\n\n"+
				"Unlock it now: %s\n\n"+
				"If this wasn't you, consider changing your password once unlocked.\n",
			link,
		),
	}
}

// EmergencyDisableMessage builds the notification carrying an emergency two-factor
// disable token.
func EmergencyDisableMessage(to, token, frontendBaseURL string) Message {
	link := fmt.Sprintf("%s/two-factor/emergency-disable?token=%s", strings.TrimSuffix(frontendBaseURL, "/"), token)
	return Message{
		To:      to,
		Subject: "Disable two-factor authentication",
		Body: fmt.Sprintf(
			"A request to disable two-factor authentication without a working authenticator was made for your account.\n\n"+
				"Confirm the disable: %s\n\n"+
				"If you did not request this, secure your account immediately.\n",
			link,
		),
	}
}
