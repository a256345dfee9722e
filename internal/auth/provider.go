// Package auth はサインインフロー（OAuthのポップアップ/リダイレクト、マジックリンク）と
// 認証状態の管理を提供する。
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/messmenu/internal/model"
)

// プロバイダ識別子。
const (
	ProviderGoogle    = "google"
	ProviderGitHub    = "github"
	ProviderEmailLink = "email_link"
)

// providerHTTPTimeout は外部IdPへのHTTP呼び出しのタイムアウト。
const providerHTTPTimeout = 10 * time.Second

// uidNamespace はメールアドレスからuidを導出するためのUUID名前空間。
var uidNamespace = uuid.MustParse("8f0d4c3e-5b7a-4f2e-9c61-2a7d3e9b1f05")

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	AvatarURL      string
	Provider       string
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// Name はプロバイダ識別子を返す。
	Name() string
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// UIDForEmail はメールアドレスから安定したuidを導出する。
// 同じメールアドレスであればプロバイダが異なっても同じuidになる。
func UIDForEmail(email string) string {
	return uuid.NewSHA1(uidNamespace, []byte(normalizeEmail(email))).String()
}

// IdentityFromOAuth はOAuthのユーザー情報からIdentityを組み立てる。
// メールアドレスがない場合は provider:sub からuidを導出する。
func IdentityFromOAuth(info *OAuthUserInfo) *model.Identity {
	uid := ""
	if info.Email != "" {
		uid = UIDForEmail(info.Email)
	} else {
		uid = uuid.NewSHA1(uidNamespace, []byte(info.Provider+":"+info.ProviderUserID)).String()
	}
	return &model.Identity{
		UID:         uid,
		Email:       info.Email,
		DisplayName: info.Name,
		AvatarURL:   info.AvatarURL,
		Provider:    info.Provider,
	}
}

// IdentityFromEmail はマジックリンクで確認したメールアドレスからIdentityを組み立てる。
// 表示名はメールアドレスのローカル部とする。
func IdentityFromEmail(email string) *model.Identity {
	name := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		name = email[:at]
	}
	return &model.Identity{
		UID:         UIDForEmail(email),
		Email:       email,
		DisplayName: name,
		Provider:    ProviderEmailLink,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func newProviderHTTPClient() *http.Client {
	return &http.Client{Timeout: providerHTTPTimeout}
}
