package security

import (
	"html/template"
	"net/url"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はメニュー文書に書かれた食堂ルールのマークアップをサニタイズする。
type ContentSanitizerService interface {
	// Sanitize は許可タグ（p, br, ul, ol, li, strong, em, a）のみを残したHTMLを返す。
	// aタグのhrefはhttpsの絶対URLか同一サイトのパスに限る。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(rawHTML string) string

	// SanitizeHTML はSanitizeの結果をテンプレートに埋め込める形で返す。
	SanitizeHTML(rawHTML string) template.HTML
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーは構築後スレッドセーフに利用できる。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	// script, iframe, style, on*属性は許可リストにないため除去される
	p.AllowElements("p", "br", "ul", "ol", "li", "strong", "em")

	// ルールから /home などのページへリンクできるよう相対URLを許可する
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(true)
	p.AllowURLSchemeWithCustomPolicy("https", func(*url.URL) bool { return true })
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &contentSanitizer{policy: p}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

// SanitizeHTML はサニタイズ済みのHTMLをtemplate.HTMLとして返す。
func (s *contentSanitizer) SanitizeHTML(rawHTML string) template.HTML {
	return template.HTML(s.policy.Sanitize(rawHTML))
}

// compile-time interface check
var _ ContentSanitizerService = (*contentSanitizer)(nil)
