// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, auth, unavailable, not_found, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// エラーカテゴリ
const (
	CategoryValidation  = "validation"
	CategoryAuth        = "auth"
	CategoryUnavailable = "unavailable"
	CategoryNotFound    = "not_found"
	CategorySystem      = "system"
)

// 定義済みエラーコード
const (
	ErrCodeInvalidInput             = "INVALID_INPUT"
	ErrCodeDuplicateVerifiedAccount = "DUPLICATE_VERIFIED_ACCOUNT"
	ErrCodeNoOTPPending             = "NO_OTP_PENDING"
	ErrCodeOTPExpired               = "OTP_EXPIRED"
	ErrCodeTooManyAttempts          = "TOO_MANY_ATTEMPTS"
	ErrCodeOTPMismatch              = "OTP_MISMATCH"
	ErrCodeAlreadyVerified          = "ALREADY_VERIFIED"
	ErrCodeInvalidCredentials       = "INVALID_CREDENTIALS"
	ErrCodeAccountDeactivated       = "ACCOUNT_DEACTIVATED"
	ErrCodeEmailNotVerified         = "EMAIL_NOT_VERIFIED"
	ErrCodeMissingField             = "MISSING_FIELD"
	ErrCodeNotConfirmed             = "NOT_CONFIRMED"
	ErrCodeAlreadyOnboarded         = "ALREADY_ONBOARDED"
	ErrCodeOnboardingRequired       = "ONBOARDING_REQUIRED"
	ErrCodeInvalidResetToken        = "INVALID_RESET_TOKEN"
	ErrCodeUserNotFound             = "USER_NOT_FOUND"
	ErrCodeUnknownDisease           = "UNKNOWN_DISEASE"
	ErrCodeModelUnavailable         = "MODEL_UNAVAILABLE"
	ErrCodeInvalidImage             = "INVALID_IMAGE"
	ErrCodeInferenceFailed          = "INFERENCE_FAILED"
	ErrCodeAnalysisNotFound         = "ANALYSIS_NOT_FOUND"
	ErrCodeInvalidURL               = "INVALID_URL"
	ErrCodeSSRFBlocked              = "SSRF_BLOCKED"
	ErrCodeUnauthenticated          = "UNAUTHENTICATED"
	ErrCodeFileTooLarge             = "FILE_TOO_LARGE"
	ErrCodeInternal                 = "INTERNAL_ERROR"
)

// NewValidationError は入力値エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidInput,
		Message:  message,
		Category: CategoryValidation,
		Action:   "Check the highlighted field and try again.",
	}
}

// NewDuplicateVerifiedAccountError は検証済みアカウントの重複登録エラーを生成する。
func NewDuplicateVerifiedAccountError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateVerifiedAccount,
		Message:  "An account with this email already exists.",
		Category: CategoryValidation,
		Action:   "Sign in instead, or reset your password.",
	}
}

// NewNoOTPPendingError は保留中のOTPが存在しない場合のエラーを生成する。
func NewNoOTPPendingError() *APIError {
	return &APIError{
		Code:     ErrCodeNoOTPPending,
		Message:  "No verification code is pending for this account.",
		Category: CategoryValidation,
		Action:   "Request a new verification code.",
	}
}

// NewOTPExpiredError はOTPの有効期限切れエラーを生成する。
func NewOTPExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeOTPExpired,
		Message:  "The verification code has expired.",
		Category: CategoryValidation,
		Action:   "Request a new verification code.",
	}
}

// NewTooManyAttemptsError はOTP試行回数超過エラーを生成する。
func NewTooManyAttemptsError() *APIError {
	return &APIError{
		Code:     ErrCodeTooManyAttempts,
		Message:  "Too many failed attempts.",
		Category: CategoryValidation,
		Action:   "Request a new verification code.",
	}
}

// NewOTPMismatchError はOTP不一致エラーを生成する。
// メッセージには残り試行回数を含める。
func NewOTPMismatchError(remaining int) *APIError {
	return &APIError{
		Code:     ErrCodeOTPMismatch,
		Message:  fmt.Sprintf("Invalid OTP. %d attempts remaining", remaining),
		Category: CategoryValidation,
		Action:   "Check the code in your email and try again.",
	}
}

// NewAlreadyVerifiedError は検証済みアカウントへのOTP再送エラーを生成する。
func NewAlreadyVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyVerified,
		Message:  "This email address is already verified.",
		Category: CategoryValidation,
		Action:   "Sign in with your email and password.",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid email or password.",
		Category: CategoryAuth,
		Action:   "Check your email and password and try again.",
	}
}

// NewAccountDeactivatedError は無効化済みアカウントのエラーを生成する。
func NewAccountDeactivatedError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountDeactivated,
		Message:  "This account has been deactivated.",
		Category: CategoryAuth,
		Action:   "Contact an administrator.",
	}
}

// NewEmailNotVerifiedError はメール未検証エラーを生成する。
func NewEmailNotVerifiedError() *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotVerified,
		Message:  "Please verify your email before signing in.",
		Category: CategoryAuth,
		Action:   "Enter the code sent to your email, or request a new one.",
	}
}

// NewMissingFieldError はオンボーディングの必須項目欠落エラーを生成する。
func NewMissingFieldError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeMissingField,
		Message:  fmt.Sprintf("%s is required", field),
		Category: CategoryValidation,
		Action:   "Fill in all required fields.",
	}
}

// NewNotConfirmedError は確認チェック未入力エラーを生成する。
func NewNotConfirmedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotConfirmed,
		Message:  "Please confirm that the information provided is accurate.",
		Category: CategoryValidation,
		Action:   "Tick the confirmation box and submit again.",
	}
}

// NewAlreadyOnboardedError はオンボーディング完了済みエラーを生成する。
func NewAlreadyOnboardedError() *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyOnboarded,
		Message:  "Onboarding has already been completed.",
		Category: CategoryValidation,
		Action:   "Continue to the dashboard.",
	}
}

// NewOnboardingRequiredError はオンボーディング未完了エラーを生成する。
func NewOnboardingRequiredError() *APIError {
	return &APIError{
		Code:     ErrCodeOnboardingRequired,
		Message:  "Complete your profile before using analysis features.",
		Category: CategoryAuth,
		Action:   "Finish the onboarding form.",
	}
}

// NewInvalidResetTokenError はパスワードリセットトークン不正エラーを生成する。
func NewInvalidResetTokenError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidResetToken,
		Message:  "The password reset link is invalid or has expired.",
		Category: CategoryAuth,
		Action:   "Request a new password reset email.",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "User not found.",
		Category: CategoryNotFound,
		Action:   "Sign in again.",
	}
}

// NewUnknownDiseaseError は未登録の疾患キーエラーを生成する。
func NewUnknownDiseaseError(key string) *APIError {
	return &APIError{
		Code:     ErrCodeUnknownDisease,
		Message:  fmt.Sprintf("Unknown disease type: %s", key),
		Category: CategoryNotFound,
		Action:   "Choose one of the listed disease types.",
	}
}

// NewModelUnavailableError はモデル未ロードエラーを生成する。
func NewModelUnavailableError(key string) *APIError {
	return &APIError{
		Code:     ErrCodeModelUnavailable,
		Message:  fmt.Sprintf("The %s model is not available.", key),
		Category: CategoryUnavailable,
		Action:   "Try another analysis type or contact an administrator.",
	}
}

// NewInvalidImageError は画像デコード失敗エラーを生成する。
func NewInvalidImageError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidImage,
		Message:  "The uploaded file is not a readable image.",
		Category: CategoryValidation,
		Action:   "Upload a JPEG, PNG, BMP or WebP scan.",
	}
}

// NewInferenceFailedError はモデル実行失敗エラーを生成する。
func NewInferenceFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeInferenceFailed,
		Message:  "Analysis failed.",
		Category: CategoryUnavailable,
		Action:   "Wait a moment and try again.",
	}
}

// NewAnalysisNotFoundError は解析履歴が見つからない場合のエラーを生成する。
func NewAnalysisNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeAnalysisNotFound,
		Message:  fmt.Sprintf("Analysis not found: %s", id),
		Category: CategoryNotFound,
		Action:   "Check the analysis ID.",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("Invalid URL: %s", reason),
		Category: CategoryValidation,
		Action:   "Enter a URL starting with http:// or https://.",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "Access to the given URL is blocked by the security policy.",
		Category: CategoryValidation,
		Action:   "Use a publicly reachable URL.",
	}
}

// NewUnauthenticatedError は未ログインまたはセッション期限切れのエラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "Please log in to continue.",
		Category: CategoryAuth,
		Action:   "Sign in again.",
	}
}

// NewFileTooLargeError はアップロードサイズ超過エラーを生成する。
func NewFileTooLargeError(limit int64) *APIError {
	return &APIError{
		Code:     ErrCodeFileTooLarge,
		Message:  fmt.Sprintf("The uploaded file exceeds the %d MB limit.", limit>>20),
		Category: CategoryValidation,
		Action:   "Upload a smaller image.",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "An internal error occurred.",
		Category: CategorySystem,
		Action:   "Wait a moment and try again.",
	}
}
