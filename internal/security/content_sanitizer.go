package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はユーザー入力の自由記述テキストを無害化するインターフェース。
// オンボーディングの入力値や患者メモなど、PDFやメールに埋め込まれる値の保存前に使用する。
type ContentSanitizerService interface {
	// Sanitize は全てのHTMLタグを除去したプレーンテキストを返す。
	// 連続する空白は1つにまとめ、前後の空白を除去する。
	Sanitize(raw string) string
}

// contentSanitizer はbluemondayのStrictPolicyを用いたContentSanitizerServiceの実装。
// ポリシーはスレッドセーフに共有できる。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はタグを除去し、StrictPolicyがエスケープした実体参照を元の文字に戻す。
func (s *contentSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.Join(strings.Fields(stripped), " ")
}
