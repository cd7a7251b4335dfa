// Package model はドメインモデルを定義する。
package model

import "time"

// VerificationState はメールアドレスの検証状態を表す。
// DBではNULL許容のbooleanとして保存される。
type VerificationState int

const (
	// VerificationLegacyUnknown は検証フラグ導入以前に作成されたアカウント（NULL）。
	VerificationLegacyUnknown VerificationState = iota
	// VerificationUnverified はOTP検証待ちのアカウント。
	VerificationUnverified
	// VerificationVerified は検証済みのアカウント。
	VerificationVerified
)

// String は状態名を返す。
func (s VerificationState) String() string {
	switch s {
	case VerificationUnverified:
		return "unverified"
	case VerificationVerified:
		return "verified"
	default:
		return "legacy_unknown"
	}
}

// VerificationStateFromNullable はNULL許容のbooleanから検証状態を復元する。
func VerificationStateFromNullable(v *bool) VerificationState {
	switch {
	case v == nil:
		return VerificationLegacyUnknown
	case *v:
		return VerificationVerified
	default:
		return VerificationUnverified
	}
}

// Nullable は検証状態をDB保存用のNULL許容booleanに変換する。
func (s VerificationState) Nullable() *bool {
	switch s {
	case VerificationVerified:
		v := true
		return &v
	case VerificationUnverified:
		v := false
		return &v
	default:
		return nil
	}
}

// MaxOTPAttempts はOTP検証の最大試行回数。
const MaxOTPAttempts = 5

// Account はサービス利用アカウント（医師）を表す。
type Account struct {
	ID           string
	Email        string
	PasswordHash string // 空の場合は外部IdPのみで認証するアカウント
	Name         string
	Role         string
	Verification VerificationState
	Active       bool
	Onboarded    bool

	OTPCode      string
	OTPExpiresAt *time.Time
	OTPAttempts  int

	ProfilePhotoURL string
	LastLoginAt     *time.Time
	Profile         OnboardingProfile

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPassword はパスワード認証が可能かを返す。
func (a *Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// HasPendingOTP は検証待ちのOTPが存在するかを返す。
func (a *Account) HasPendingOTP() bool {
	return a.OTPCode != "" && a.OTPExpiresAt != nil
}

// ClearOTP はOTP関連フィールドをまとめてクリアする。
func (a *Account) ClearOTP() {
	a.OTPCode = ""
	a.OTPExpiresAt = nil
	a.OTPAttempts = 0
}

// OnboardingProfile はオンボーディングで入力される医師・病院情報。
type OnboardingProfile struct {
	FullName              string
	MedicalRegistrationNo string
	Specialization        string
	Phone                 string
	ContactEmail          string
	YearsOfExperience     *int
	ClinicTiming          string

	HospitalName    string
	HospitalID      string
	Department      string
	HospitalPhone   string
	HospitalAddress string
	HospitalLogoURL string
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
