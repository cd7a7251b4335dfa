// Package notify はOTP・ウェルカム・パスワードリセットの各メール送信を提供する。
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"
)

// Message は送信するメール1通を表す。
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender はメール送信の抽象。
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// SMTPConfig はSMTP送信の設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender はgo-mailを使用したSMTP送信の実装。
type SMTPSender struct {
	config SMTPConfig
}

// NewSMTPSender はSMTPSenderを生成する。
func NewSMTPSender(config SMTPConfig) *SMTPSender {
	return &SMTPSender{config: config}
}

// Send はHTML本文とテキスト本文のmultipart/alternativeメールを送信する。
func (s *SMTPSender) Send(ctx context.Context, msg *Message) error {
	m := mail.NewMsg()
	if err := m.From(s.config.From); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)

	opts := []mail.Option{
		mail.WithPort(s.config.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if s.config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.config.Username),
			mail.WithPassword(s.config.Password),
		)
	}

	client, err := mail.NewClient(s.config.Host, opts...)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}

// LogSender はSMTP未設定時に使用する送信実装。メールを送らずにログへ出力する。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send はメール内容をログに出力する。
func (s *LogSender) Send(ctx context.Context, msg *Message) error {
	s.logger.Warn("smtp not configured, mail written to log",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Text),
	)
	return nil
}

var (
	_ Sender = (*SMTPSender)(nil)
	_ Sender = (*LogSender)(nil)
)
