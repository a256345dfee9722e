// Package view はサーバー側で描画するHTMLページを提供する。
package view

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/messmenu/internal/menu"
)

//go:embed templates/*.html
var templatesFS embed.FS

//go:embed static
var staticFS embed.FS

// ページ名。テンプレートファイル名と一致する。
const (
	PageLanding     = "landing"
	PageHome        = "home"
	PageLogin       = "login"
	PageRules       = "rules"
	PageVerifyEmail = "verify_email"
	PagePopupDone   = "popup_done"
	PageError       = "error"
)

var pageNames = []string{
	PageLanding, PageHome, PageLogin, PageRules, PageVerifyEmail, PagePopupDone, PageError,
}

// Viewer はヘッダーに表示するサインイン中のユーザー。
type Viewer struct {
	DisplayName string
	Email       string
}

// Message はページに表示するメッセージ。1ページに高々1件。
type Message struct {
	Kind string // "error" または "success"
	Text string
}

// ErrorMessage はエラーメッセージを生成する。textが空ならnilを返す。
func ErrorMessage(text string) *Message {
	if text == "" {
		return nil
	}
	return &Message{Kind: "error", Text: text}
}

// SuccessMessage は成功メッセージを生成する。
func SuccessMessage(text string) *Message {
	return &Message{Kind: "success", Text: text}
}

// Base は全ページ共通のデータ。
type Base struct {
	Page          string
	Viewer        *Viewer
	CSRFToken     string
	ForceRedirect bool
}

func (b *Base) base() *Base { return b }

// LandingPage は / のデータ。
type LandingPage struct {
	Base
	Menu     *menu.Menu
	Greeting string
}

// DayLink は曜日セレクターの1項目。
type DayLink struct {
	Param    string
	Short    string
	Selected bool
}

// HomePage は /home のデータ。
type HomePage struct {
	Base
	Menu     *menu.Menu
	Selected menu.DayMenu
	Days     []DayLink
}

// ProviderButton はサインインボタン。
type ProviderButton struct {
	Name  string
	Label string
}

// LoginPage は /login のデータ。
type LoginPage struct {
	Base
	Providers []ProviderButton
	Next      string
	Email     string
	Message   *Message
}

// RulesPage は /rules のデータ。Rulesはサニタイズ済み。
type RulesPage struct {
	Base
	Rules []template.HTML
}

// VerifyEmailPage は /verify-email のデータ。
// Tokenが空でなければメールアドレスの入力フォームを表示する。
type VerifyEmailPage struct {
	Base
	Token   string
	Email   string
	Message *Message
}

// PopupDonePage はポップアップ内でサインインが終わったときのデータ。
type PopupDonePage struct {
	Base
	Success     bool
	Destination string
	Code        string
}

// ErrorPage は汎用エラーページのデータ。
type ErrorPage struct {
	Base
	Heading string
	Text    string
}

// Page はRenderに渡せるページデータ。Baseを埋め込んだ型が実装する。
type Page interface {
	base() *Base
}

// Renderer は埋め込みテンプレートからページを描画する。
type Renderer struct {
	pages map[string]*template.Template
}

// NewRenderer は全ページのテンプレートを解析する。
func NewRenderer() (*Renderer, error) {
	r := &Renderer{pages: make(map[string]*template.Template, len(pageNames))}
	for _, name := range pageNames {
		t, err := template.New("layout").ParseFS(templatesFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

// Render はページを描画してwに書き込む。
// 描画に失敗した場合は何も書き込まずにエラーを返す。
func (r *Renderer) Render(w http.ResponseWriter, status int, page string, data Page) error {
	t, ok := r.pages[page]
	if !ok {
		return fmt.Errorf("unknown page: %s", page)
	}
	data.base().Page = page

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		return fmt.Errorf("failed to render %s: %w", page, err)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

// StaticHandler は /static/ 配下の静的ファイルを配信するハンドラーを返す。
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(fmt.Sprintf("embedded static files missing: %v", err))
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

// DayLinks は曜日セレクターの項目を月曜始まりで返す。
func DayLinks(m *menu.Menu, selected time.Weekday) []DayLink {
	links := make([]DayLink, 0, 7)
	for _, d := range m.Week() {
		name := d.Weekday.String()
		links = append(links, DayLink{
			Param:    strings.ToLower(name),
			Short:    name[:3],
			Selected: d.Weekday == selected,
		})
	}
	return links
}

