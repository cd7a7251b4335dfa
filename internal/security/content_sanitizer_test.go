package security

import "testing"

func TestSanitize(t *testing.T) {
	s := NewContentSanitizer()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"空文字列", "", ""},
		{"プレーンテキスト", "Neurology", "Neurology"},
		{"前後の空白", "  Dr. Jane Doe \n", "Dr. Jane Doe"},
		{"連続空白", "Mon - Fri\t 9am   to 5pm", "Mon - Fri 9am to 5pm"},
		{"scriptタグ", `<script>alert(1)</script>Cardiology`, "Cardiology"},
		{"インラインタグ", `<b>City</b> <i>Hospital</i>`, "City Hospital"},
		{"イベント属性", `<img src=x onerror=alert(1)>St. Mary's`, "St. Mary's"},
		{"アンパサンド", "Brain & Spine", "Brain & Spine"},
		{"iframe", `<iframe src="https://evil.example"></iframe>ok`, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	s := NewContentSanitizer()
	inputs := []string{
		`<p>Ward <strong>7</strong></p>`,
		"Brain &amp; Spine",
		"a < b > c",
	}
	for _, in := range inputs {
		once := s.Sanitize(in)
		twice := s.Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize is not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}

func TestContentSanitizerInterface(t *testing.T) {
	var _ ContentSanitizerService = NewContentSanitizer()
}
