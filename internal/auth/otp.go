package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/hitoshi/neurosight/internal/model"
)

// otpDigits はOTPの桁数。
const otpDigits = 6

var otpUpperBound = big.NewInt(1_000_000)

// generateOTP は先頭ゼロを含む6桁の数字コードを生成する。
func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpUpperBound)
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP: %w", err)
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

// issueOTP はアカウントに新しいOTPを設定し、試行回数をリセットする。
func (s *Service) issueOTP(a *model.Account) error {
	code, err := s.newOTP()
	if err != nil {
		return err
	}
	expiresAt := s.now().Add(s.config.OTPTTL)
	a.OTPCode = code
	a.OTPExpiresAt = &expiresAt
	a.OTPAttempts = 0
	return nil
}

// sendOTP はOTPメールをバックグラウンドで送信する。
func (s *Service) sendOTP(a *model.Account) {
	to, name, code, ttl := a.Email, a.Name, a.OTPCode, s.config.OTPTTL
	s.dispatchEmail("otp", to, func(ctx context.Context) error {
		return s.notifier.SendOTP(ctx, to, name, code, ttl)
	})
}
