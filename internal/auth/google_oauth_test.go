package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestGoogleOAuthProvider_GetLoginURL_ContainsRequiredParams(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:    "test-client-id",
		RedirectURL: "http://localhost:8080/auth/google/callback",
	})

	raw := provider.GetLoginURL("test-state-value")
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("GetLoginURL() returned unparsable URL %q: %v", raw, err)
	}
	if parsed.Host != "accounts.google.com" {
		t.Errorf("host = %q, want %q", parsed.Host, "accounts.google.com")
	}

	q := parsed.Query()
	tests := []struct {
		param string
		want  string
	}{
		{"client_id", "test-client-id"},
		{"redirect_uri", "http://localhost:8080/auth/google/callback"},
		{"state", "test-state-value"},
		{"response_type", "code"},
		{"scope", "openid email profile"},
	}

	for _, tt := range tests {
		t.Run(tt.param, func(t *testing.T) {
			if got := q.Get(tt.param); got != tt.want {
				t.Errorf("%s = %q, want %q", tt.param, got, tt.want)
			}
		})
	}
}

func TestGoogleOAuthProvider_ExchangeCode_Success(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if got := r.PostForm.Get("code"); got != "test-auth-code" {
			t.Errorf("code = %q, want %q", got, "test-auth-code")
		}
		if got := r.PostForm.Get("grant_type"); got != "authorization_code" {
			t.Errorf("grant_type = %q, want %q", got, "authorization_code")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenServer.Close()

	userInfoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-access-token" {
			t.Errorf("unexpected Authorization header: %q", got)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sub":            "google-sub-12345",
			"email":          "doctor@gmail.com",
			"email_verified": true,
			"name":           "Google Doctor",
			"picture":        "https://lh3.googleusercontent.com/a/photo.jpg",
		})
	}))
	defer userInfoServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/auth/google/callback",
		TokenURL:     tokenServer.URL,
		UserInfoURL:  userInfoServer.URL,
	})

	userInfo, err := provider.ExchangeCode(context.Background(), "test-auth-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if userInfo.Provider != ProviderGoogle {
		t.Errorf("provider = %q, want %q", userInfo.Provider, ProviderGoogle)
	}
	if userInfo.ProviderUserID != "google-sub-12345" {
		t.Errorf("providerUserID = %q, want %q", userInfo.ProviderUserID, "google-sub-12345")
	}
	if userInfo.Email != "doctor@gmail.com" {
		t.Errorf("email = %q, want %q", userInfo.Email, "doctor@gmail.com")
	}
	if !userInfo.EmailVerified {
		t.Error("expected email_verified to be true")
	}
	if userInfo.Name != "Google Doctor" {
		t.Errorf("name = %q, want %q", userInfo.Name, "Google Doctor")
	}
	if userInfo.PictureURL != "https://lh3.googleusercontent.com/a/photo.jpg" {
		t.Errorf("picture = %q", userInfo.PictureURL)
	}
}

func TestGoogleOAuthProvider_ExchangeCode_TokenError(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":             "invalid_grant",
			"error_description": "Code was already redeemed.",
		})
	}))
	defer tokenServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/auth/google/callback",
		TokenURL:     tokenServer.URL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "invalid-code"); err == nil {
		t.Fatal("expected error from ExchangeCode with invalid code")
	}
}

func TestGoogleOAuthProvider_ExchangeCode_MissingEmail(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok"})
	}))
	defer tokenServer.Close()

	userInfoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"sub": "google-sub-1"})
	}))
	defer userInfoServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:    "test-client-id",
		TokenURL:    tokenServer.URL,
		UserInfoURL: userInfoServer.URL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "code"); err == nil {
		t.Fatal("expected error when user info has no email")
	}
}

func TestGoogleOAuthProvider_ExchangeCode_UserInfoError(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenServer.Close()

	userInfoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer userInfoServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/auth/google/callback",
		TokenURL:     tokenServer.URL,
		UserInfoURL:  userInfoServer.URL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "valid-code"); err == nil {
		t.Fatal("expected error from ExchangeCode when user info fetch fails")
	}
}
