package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"
)

// implicitTLSPort は暗黙的TLS（SMTPS）のポート。
const implicitTLSPort = 465

// Mailer はサインインリンクのメール送信インターフェース。
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig はSMTP送信の設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPMailer はSMTPでメールを送信する。
// ポート465は暗黙的TLS、それ以外はSTARTTLSを必須とする。
type SMTPMailer struct {
	config SMTPConfig
	now    func() time.Time
	send   func(ctx context.Context, msg *mail.Msg) error
}

// NewSMTPMailer はSMTPMailerを生成する。
func NewSMTPMailer(config SMTPConfig) (*SMTPMailer, error) {
	client, err := mail.NewClient(config.Host, clientOptions(config)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	return &SMTPMailer{
		config: config,
		now:    time.Now,
		send: func(ctx context.Context, msg *mail.Msg) error {
			return client.DialAndSendWithContext(ctx, msg)
		},
	}, nil
}

func clientOptions(config SMTPConfig) []mail.Option {
	opts := []mail.Option{mail.WithPort(config.Port)}
	if config.Port == implicitTLSPort {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	if config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(config.Username),
			mail.WithPassword(config.Password),
		)
	}
	if config.Timeout > 0 {
		opts = append(opts, mail.WithTimeout(config.Timeout))
	}
	return opts
}

// Send はプレーンテキストのメールを送信する。
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := buildMessage(m.config.From, to, subject, body, m.now())
	if err != nil {
		return err
	}
	if err := m.send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send mail via %s:%d: %w", m.config.Host, m.config.Port, err)
	}
	return nil
}

// buildMessage は送信するメッセージを組み立てる。
// 件名のエンコードはgo-mailに任せ、Message-IDとDateを必ず付与する。
func buildMessage(from, to, subject, body string, now time.Time) (*mail.Msg, error) {
	if strings.ContainsAny(subject, "\r\n") {
		return nil, fmt.Errorf("invalid mail subject")
	}

	msg := mail.NewMsg(mail.WithNoDefaultUserAgent())
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetDateWithValue(now)
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

// LogMailer はメールを送信せずにログへ出力する。SMTP未設定の開発環境用。
type LogMailer struct{}

// Send はメール内容をログに出力する。
func (LogMailer) Send(_ context.Context, to, subject, body string) error {
	slog.Info("mail not sent (no SMTP configured)",
		slog.String("to", to),
		slog.String("subject", subject),
		slog.String("body", body),
	)
	return nil
}

// compile-time interface check
var (
	_ Mailer = (*SMTPMailer)(nil)
	_ Mailer = LogMailer{}
)
