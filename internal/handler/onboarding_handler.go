package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/neurosight/internal/auth"
	"github.com/hitoshi/neurosight/internal/middleware"
	"github.com/hitoshi/neurosight/internal/model"
)

// OnboardingServiceInterface はオンボーディングハンドラーが必要とするサービスインターフェース。
type OnboardingServiceInterface interface {
	CompleteOnboarding(ctx context.Context, accountID string, input auth.OnboardingInput) (*model.Account, error)
}

// OnboardingHandler はオンボーディングのHTTPハンドラー。
type OnboardingHandler struct {
	service OnboardingServiceInterface
}

// NewOnboardingHandler はOnboardingHandlerを生成する。
func NewOnboardingHandler(service OnboardingServiceInterface) *OnboardingHandler {
	return &OnboardingHandler{service: service}
}

// flexInt は数値と数値文字列の両方を受け付ける整数。空文字列とnullは未入力として扱う。
type flexInt struct {
	value *int
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		f.value = nil
		return nil
	}

	raw := string(data)
	if strings.HasPrefix(raw, `"`) {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			f.value = nil
			return nil
		}
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return err
	}
	f.value = &n
	return nil
}

func (f flexInt) MarshalJSON() ([]byte, error) {
	if f.value == nil {
		return []byte(`""`), nil
	}
	return []byte(strconv.Itoa(*f.value)), nil
}

// onboardingForm はオンボーディングフォームのJSON表現。
type onboardingForm struct {
	FullName              string  `json:"full_name"`
	MedicalRegistrationNo string  `json:"medical_registration_no"`
	Specialization        string  `json:"specialization"`
	Phone                 string  `json:"phone"`
	Email                 string  `json:"email"`
	YearsOfExperience     flexInt `json:"years_of_experience"`
	ClinicTiming          string  `json:"clinic_timing"`
	ProfilePhotoURL       string  `json:"profile_photo_url"`

	HospitalName    string `json:"hospital"`
	HospitalID      string `json:"hospital_id"`
	Department      string `json:"department"`
	HospitalPhone   string `json:"hospital_phone"`
	HospitalAddress string `json:"hospital_address"`
	HospitalLogoURL string `json:"hospital_logo_url"`

	Confirmed bool `json:"confirmed"`
}

func (f onboardingForm) toInput() auth.OnboardingInput {
	return auth.OnboardingInput{
		FullName:              f.FullName,
		MedicalRegistrationNo: f.MedicalRegistrationNo,
		Specialization:        f.Specialization,
		Phone:                 f.Phone,
		Email:                 f.Email,
		YearsOfExperience:     f.YearsOfExperience.value,
		ClinicTiming:          f.ClinicTiming,
		ProfilePhotoURL:       f.ProfilePhotoURL,
		HospitalName:          f.HospitalName,
		HospitalID:            f.HospitalID,
		Department:            f.Department,
		HospitalPhone:         f.HospitalPhone,
		HospitalAddress:       f.HospitalAddress,
		HospitalLogoURL:       f.HospitalLogoURL,
		Confirmed:             f.Confirmed,
	}
}

func toOnboardingForm(in auth.OnboardingInput) onboardingForm {
	return onboardingForm{
		FullName:              in.FullName,
		MedicalRegistrationNo: in.MedicalRegistrationNo,
		Specialization:        in.Specialization,
		Phone:                 in.Phone,
		Email:                 in.Email,
		YearsOfExperience:     flexInt{value: in.YearsOfExperience},
		ClinicTiming:          in.ClinicTiming,
		ProfilePhotoURL:       in.ProfilePhotoURL,
		HospitalName:          in.HospitalName,
		HospitalID:            in.HospitalID,
		Department:            in.Department,
		HospitalPhone:         in.HospitalPhone,
		HospitalAddress:       in.HospitalAddress,
		HospitalLogoURL:       in.HospitalLogoURL,
	}
}

// Prefill はオンボーディングフォームの初期値を返す。
// GET /api/onboarding
func (h *OnboardingHandler) Prefill(w http.ResponseWriter, r *http.Request) {
	account := currentAccount(w, r)
	if account == nil {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"onboarded": account.Onboarded,
		"data":      toOnboardingForm(auth.OnboardingPrefill(account)),
	})
}

// Complete はオンボーディングを完了する。
// POST /api/onboarding
func (h *OnboardingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	account := currentAccount(w, r)
	if account == nil {
		return
	}

	var form onboardingForm
	if err := decodeJSON(w, r, &form); err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	updated, err := h.service.CompleteOnboarding(r.Context(), account.ID, form.toInput())
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account": toAccountResponse(updated),
		"message": "Your profile is complete. Welcome to NeuroSight.",
	})
}
