package notify

import (
	"context"
	"strings"
	"time"
)

// Notifier はアカウントのライフサイクルに応じたメールを組み立てて送信する。
type Notifier struct {
	sender  Sender
	baseURL string
}

// NewNotifier はNotifierを生成する。baseURLはメール内リンクの生成に使用する。
func NewNotifier(sender Sender, baseURL string) *Notifier {
	return &Notifier{sender: sender, baseURL: strings.TrimRight(baseURL, "/")}
}

func (n *Notifier) send(ctx context.Context, to, subject, tmpl string, data any) error {
	body, err := render(tmpl, data)
	if err != nil {
		return err
	}
	return n.sender.Send(ctx, &Message{
		To:      to,
		Subject: subject,
		HTML:    body,
		Text:    HTMLToText(body),
	})
}

// SendOTP は6桁の検証コードを送信する。
func (n *Notifier) SendOTP(ctx context.Context, to, name, code string, ttl time.Duration) error {
	return n.send(ctx, to, "Your NeuroSight verification code", "otp", map[string]any{
		"Name":    name,
		"Code":    code,
		"Minutes": int(ttl.Minutes()),
	})
}

// SendWelcome はオンボーディング完了時のウェルカムメールを送信する。
func (n *Notifier) SendWelcome(ctx context.Context, to, name, hospital string) error {
	return n.send(ctx, to, "Welcome to NeuroSight", "welcome", map[string]any{
		"Name":         name,
		"Hospital":     hospital,
		"DashboardURL": n.baseURL + "/dashboard",
	})
}

// SendPasswordReset はパスワードリセットリンクを送信する。
func (n *Notifier) SendPasswordReset(ctx context.Context, to, name, token string, ttl time.Duration) error {
	return n.send(ctx, to, "Reset your NeuroSight password", "reset", map[string]any{
		"Name":     name,
		"ResetURL": n.baseURL + "/reset-password?token=" + token,
		"Minutes":  int(ttl.Minutes()),
	})
}
