// Package mail はワンタイムコードのメール送信を提供する。
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"net/smtp"
	"strconv"
	texttemplate "text/template"
	"time"

	"github.com/domodwyer/mailyak/v3"
)

// OTPSubject はワンタイムコードメールの件名。
const OTPSubject = "Your Login Verification Code - SaaS சந்தை"

// smtpsPort はSMTP over TLS（暗黙TLS）のポート番号。
const smtpsPort = 465

// SMTPConfig はSMTPサーバーへの接続設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer はmailyakを使ってSMTPでワンタイムコードを送信する。
type SMTPMailer struct {
	config SMTPConfig
	logger *slog.Logger
	sendFn func(*mailyak.MailYak) error
}

// NewSMTPMailer はSMTPMailerを生成する。FromがSMTPユーザーと異なってもよい。
func NewSMTPMailer(config SMTPConfig, logger *slog.Logger) *SMTPMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPMailer{
		config: config,
		logger: logger,
		sendFn: (*mailyak.MailYak).Send,
	}
}

// SendOTP はワンタイムコードをプレーンテキストとHTMLの両方の本文で送信する。
// ctxがキャンセルされた場合は送信完了を待たずに戻る。
func (m *SMTPMailer) SendOTP(ctx context.Context, email, code string, ttl time.Duration) error {
	msg, err := m.compose(email, code, ttl)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- m.sendFn(msg)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send otp email: %w", err)
		}
	}

	m.logger.Info("otp email sent", slog.String("smtp_host", m.config.Host))
	return nil
}

// compose は送信するメッセージを組み立てる。
func (m *SMTPMailer) compose(email, code string, ttl time.Duration) (*mailyak.MailYak, error) {
	addr := m.config.Host + ":" + strconv.Itoa(m.config.Port)
	auth := smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)

	var msg *mailyak.MailYak
	if m.config.Port == smtpsPort {
		var err error
		msg, err = mailyak.NewWithTLS(addr, auth, &tls.Config{ServerName: m.config.Host})
		if err != nil {
			return nil, fmt.Errorf("failed to create smtp client: %w", err)
		}
	} else {
		msg = mailyak.New(addr, auth)
	}

	plain, html, err := renderOTPBodies(code, ttl)
	if err != nil {
		return nil, err
	}

	msg.To(email)
	msg.From(m.config.From)
	msg.FromName("SaaS சந்தை")
	msg.Subject(OTPSubject)
	msg.Plain().Set(plain)
	msg.HTML().Set(html)
	return msg, nil
}

// ConsoleMailer はSMTP未設定時に使う開発用の送信者。コードをログに出力する。
type ConsoleMailer struct {
	logger *slog.Logger
}

// NewConsoleMailer はConsoleMailerを生成する。
func NewConsoleMailer(logger *slog.Logger) *ConsoleMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleMailer{logger: logger}
}

// SendOTP はコードをWARNレベルでログに出力する。
func (c *ConsoleMailer) SendOTP(_ context.Context, email, code string, ttl time.Duration) error {
	c.logger.Warn("smtp is not configured, printing otp instead of sending",
		slog.String("email", email),
		slog.String("otp_code", code),
		slog.Duration("ttl", ttl),
	)
	return nil
}

type otpMailData struct {
	Code    string
	Minutes int
}

var (
	otpPlainTemplate = texttemplate.Must(texttemplate.New("otp_plain").Parse(`Your verification code is: {{.Code}}

This code will expire in {{.Minutes}} minutes.

If you didn't request this code, please ignore this email.

- SaaS சந்தை
`))

	otpHTMLTemplate = htmltemplate.Must(htmltemplate.New("otp_html").Parse(`<html>
  <body style="font-family: Arial, sans-serif; padding: 20px;">
    <div style="max-width: 480px; margin: 0 auto;">
      <h2 style="color: #4f46e5;">Login Verification</h2>
      <p>Your verification code is:</p>
      <div style="font-size: 32px; font-weight: bold; letter-spacing: 8px; padding: 16px; background: #f3f4f6; text-align: center; border-radius: 8px;">{{.Code}}</div>
      <p>This code will expire in <strong>{{.Minutes}} minutes</strong>.</p>
      <p style="color: #6b7280; font-size: 12px;">If you didn't request this code, please ignore this email.</p>
    </div>
  </body>
</html>
`))
)

// renderOTPBodies はプレーンテキストとHTMLの本文を生成する。
func renderOTPBodies(code string, ttl time.Duration) (string, string, error) {
	data := otpMailData{Code: code, Minutes: int(ttl.Round(time.Minute) / time.Minute)}
	if data.Minutes < 1 {
		data.Minutes = 1
	}

	var plain, html bytes.Buffer
	if err := otpPlainTemplate.Execute(&plain, data); err != nil {
		return "", "", fmt.Errorf("failed to render otp plain body: %w", err)
	}
	if err := otpHTMLTemplate.Execute(&html, data); err != nil {
		return "", "", fmt.Errorf("failed to render otp html body: %w", err)
	}
	return plain.String(), html.String(), nil
}
