package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestNewSafeClient はタイムアウトとカスタムTransportが設定されることをテストする。
func TestNewSafeClient(t *testing.T) {
	guard := NewSSRFGuard()
	timeout := 5 * time.Second
	client := guard.NewSafeClient(timeout)

	if client == nil {
		t.Fatal("NewSafeClient() returned nil")
	}
	if client.Timeout != timeout {
		t.Errorf("Timeout = %v, want %v", client.Timeout, timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport")
	}
}

// TestNewSafeClientBlocksLoopback はhttptestサーバー（127.0.0.1）への接続が拒否されることをテストする。
func TestNewSafeClientBlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewSSRFGuard().NewSafeClient(5 * time.Second)
	if _, err := client.Get(ts.URL + "/models/stroke.bin"); err == nil {
		t.Fatal("expected error for loopback address request, got nil")
	}
}

func TestValidateURL_Allowed(t *testing.T) {
	guard := NewSSRFGuard()

	for _, u := range []string{
		"https://example.com/logo.png",
		"https://huggingface.co/org/model/resolve/main/model.safetensors",
		"http://cdn.example.org/photo.jpg",
		"https://8.8.8.8/avatar.png",
	} {
		t.Run(u, func(t *testing.T) {
			if err := guard.ValidateURL(u); err != nil {
				t.Errorf("ValidateURL(%q) returned error: %v", u, err)
			}
		})
	}
}

func TestValidateURL_Blocked(t *testing.T) {
	guard := NewSSRFGuard()

	for _, u := range []string{
		"http://10.0.0.1/x",
		"http://172.31.255.255/x",
		"http://192.168.1.100/x",
		"http://100.64.0.1/x",
		"http://127.0.0.2/x",
		"http://localhost/x",
		"http://LOCALHOST./x",
		"http://169.254.169.254/latest/meta-data/",
		"http://metadata.google.internal/computeMetadata/v1/",
		"http://[::1]/x",
		"http://[fe80::1]/x",
		"http://0.0.0.0/x",
	} {
		t.Run(u, func(t *testing.T) {
			if err := guard.ValidateURL(u); err == nil {
				t.Errorf("ValidateURL(%q) should have returned error", u)
			}
		})
	}
}

func TestValidateURL_InvalidURL(t *testing.T) {
	guard := NewSSRFGuard()

	for _, u := range []string{
		"",
		"not-a-url",
		"ftp://example.com/model.h5",
		"file:///etc/passwd",
		"javascript:alert(1)",
		"data:image/png;base64,AAAA",
	} {
		t.Run(u, func(t *testing.T) {
			if err := guard.ValidateURL(u); err == nil {
				t.Errorf("ValidateURL(%q) should have returned error for invalid URL", u)
			}
		})
	}
}

func TestSSRFGuardInterface(t *testing.T) {
	var _ SSRFGuardService = NewSSRFGuard()
}
