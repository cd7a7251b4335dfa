package auth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/hitoshi/neurosight/internal/model"
)

// OnboardingInput はオンボーディングフォームの入力値。
type OnboardingInput struct {
	// 医師情報
	FullName              string
	MedicalRegistrationNo string
	Specialization        string
	Phone                 string
	Email                 string
	YearsOfExperience     *int
	ClinicTiming          string
	ProfilePhotoURL       string

	// 病院情報
	HospitalName    string
	HospitalID      string
	Department      string
	HospitalPhone   string
	HospitalAddress string
	HospitalLogoURL string

	Confirmed bool
}

// requiredField は必須項目の名前と値の有無。
type requiredField struct {
	name    string
	present bool
}

// firstMissingField は必須項目を規定の順に確認し、最初に欠けている項目名を返す。
func (in *OnboardingInput) firstMissingField() string {
	fields := []requiredField{
		{"full_name", in.FullName != ""},
		{"medical_registration_no", in.MedicalRegistrationNo != ""},
		{"specialization", in.Specialization != ""},
		{"phone", in.Phone != ""},
		{"email", in.Email != ""},
		{"years_of_experience", in.YearsOfExperience != nil},
		{"hospital", in.HospitalName != ""},
		{"hospital_id", in.HospitalID != ""},
		{"department", in.Department != ""},
	}
	for _, f := range fields {
		if !f.present {
			return f.name
		}
	}
	return ""
}

func (s *Service) clean(v string) string {
	v = strings.TrimSpace(v)
	if s.sanitizer != nil {
		v = s.sanitizer.Sanitize(v)
	}
	return v
}

// normalize はテキスト項目をトリムし、HTMLを除去する。
func (s *Service) normalize(in OnboardingInput) OnboardingInput {
	in.FullName = s.clean(in.FullName)
	in.MedicalRegistrationNo = s.clean(in.MedicalRegistrationNo)
	in.Specialization = s.clean(in.Specialization)
	in.Phone = s.clean(in.Phone)
	in.Email = normalizeEmail(in.Email)
	in.ClinicTiming = s.clean(in.ClinicTiming)
	in.ProfilePhotoURL = strings.TrimSpace(in.ProfilePhotoURL)
	in.HospitalName = s.clean(in.HospitalName)
	in.HospitalID = s.clean(in.HospitalID)
	in.Department = s.clean(in.Department)
	in.HospitalPhone = s.clean(in.HospitalPhone)
	in.HospitalAddress = s.clean(in.HospitalAddress)
	in.HospitalLogoURL = strings.TrimSpace(in.HospitalLogoURL)
	return in
}

func (s *Service) validateImageURL(raw string) error {
	if raw == "" || s.urlGuard == nil {
		return nil
	}
	if err := s.urlGuard.ValidateURL(raw); err != nil {
		return model.NewInvalidURLError(err.Error())
	}
	return nil
}

// CompleteOnboarding は医師・病院情報を保存してオンボーディングを完了させる。
// 完了後のウェルカムメールはバックグラウンドで送信し、送信失敗は結果に影響しない。
func (s *Service) CompleteOnboarding(ctx context.Context, accountID string, input OnboardingInput) (*model.Account, error) {
	// 1. 必須項目と確認チェック
	in := s.normalize(input)
	if field := in.firstMissingField(); field != "" {
		return nil, model.NewMissingFieldError(field)
	}
	if !in.Confirmed {
		return nil, model.NewNotConfirmedError()
	}

	// 2. 値の形式チェック
	if *in.YearsOfExperience < 0 {
		return nil, model.NewValidationError("years_of_experience must not be negative")
	}
	if err := validateEmail(in.Email); err != nil {
		return nil, err
	}
	if err := s.validateImageURL(in.ProfilePhotoURL); err != nil {
		return nil, err
	}
	if err := s.validateImageURL(in.HospitalLogoURL); err != nil {
		return nil, err
	}

	// 3. 保存
	var account *model.Account
	err := s.accounts.Mutate(ctx, accountID, func(a *model.Account) (bool, error) {
		if a.Onboarded {
			return false, model.NewAlreadyOnboardedError()
		}
		years := *in.YearsOfExperience
		a.Profile = model.OnboardingProfile{
			FullName:              in.FullName,
			MedicalRegistrationNo: in.MedicalRegistrationNo,
			Specialization:        in.Specialization,
			Phone:                 in.Phone,
			ContactEmail:          in.Email,
			YearsOfExperience:     &years,
			ClinicTiming:          in.ClinicTiming,
			HospitalName:          in.HospitalName,
			HospitalID:            in.HospitalID,
			Department:            in.Department,
			HospitalPhone:         in.HospitalPhone,
			HospitalAddress:       in.HospitalAddress,
			HospitalLogoURL:       in.HospitalLogoURL,
		}
		if in.ProfilePhotoURL != "" {
			a.ProfilePhotoURL = in.ProfilePhotoURL
		}
		a.Name = in.FullName
		a.Onboarded = true
		account = a
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	// 4. ウェルカムメール
	to, name, hospital := account.Email, account.Profile.FullName, account.Profile.HospitalName
	s.dispatchEmail("welcome", to, func(ctx context.Context) error {
		return s.notifier.SendWelcome(ctx, to, name, hospital)
	})

	s.metrics.RecordAuthEvent("onboarding", "success")
	slog.Info("onboarding completed", slog.String("user_id", account.ID))
	return account, nil
}

// OnboardingPrefill はオンボーディングフォームの初期値を返す。
// 未入力の氏名・連絡先メールはアカウント情報で補完する。
func OnboardingPrefill(a *model.Account) OnboardingInput {
	p := a.Profile
	in := OnboardingInput{
		FullName:              p.FullName,
		MedicalRegistrationNo: p.MedicalRegistrationNo,
		Specialization:        p.Specialization,
		Phone:                 p.Phone,
		Email:                 p.ContactEmail,
		YearsOfExperience:     p.YearsOfExperience,
		ClinicTiming:          p.ClinicTiming,
		ProfilePhotoURL:       a.ProfilePhotoURL,
		HospitalName:          p.HospitalName,
		HospitalID:            p.HospitalID,
		Department:            p.Department,
		HospitalPhone:         p.HospitalPhone,
		HospitalAddress:       p.HospitalAddress,
		HospitalLogoURL:       p.HospitalLogoURL,
	}
	if in.FullName == "" {
		in.FullName = a.Name
	}
	if in.Email == "" {
		in.Email = a.Email
	}
	return in
}
