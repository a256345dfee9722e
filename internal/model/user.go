// Package model はドメインモデルを定義する。
package model

import "time"

// UserProfile はusersコレクションに保存されるユーザープロフィールを表す。
// IDは外部IdPの主体から導出した不透明な識別子で、アプリケーション側では解釈しない。
type UserProfile struct {
	ID          string
	Email       string
	DisplayName string
	AvatarURL   string
	Provider    string // 初回サインイン時のみ設定
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLogin   time.Time
}

// Identity は外部IdP（またはマジックリンク）で確認済みの本人情報を表す。
type Identity struct {
	UID         string
	Email       string
	DisplayName string
	AvatarURL   string
	Provider    string // "google", "github", "email_link"
}

// MinimalProfile はIdentityから最小限のプロフィールを組み立てる。
// プロフィールの書き込みに失敗した場合でもサインインを継続するために使う。
func (i *Identity) MinimalProfile(now time.Time) *UserProfile {
	return &UserProfile{
		ID:          i.UID,
		Email:       i.Email,
		DisplayName: i.DisplayName,
		AvatarURL:   i.AvatarURL,
		Provider:    i.Provider,
		CreatedAt:   now,
		UpdatedAt:   now,
		LastLogin:   now,
	}
}

// Session はユーザーのログインセッションを表す。
// プロフィール未保存でも表示できるよう、発行時点の本人情報を保持する。
type Session struct {
	ID          string
	UserID      string
	Email       string
	DisplayName string
	AvatarURL   string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// MagicLink はメールで送信したサインインリンクの台帳レコードを表す。
type MagicLink struct {
	ID         string
	Email      string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	CreatedAt  time.Time
}

// PendingRedirect はリダイレクト方式のサインイン中にだけ存在する一時レコード。
// セッションスコープのストレージに1件だけ保持される（後勝ち）。
type PendingRedirect struct {
	Destination string    `json:"destination"`
	Provider    string    `json:"provider"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
}

// PendingPopup はポップアップ方式のサインイン中の状態を表す。
type PendingPopup struct {
	Provider    string `json:"provider"`
	State       string `json:"state"`
	Destination string `json:"destination"`
}

// SessionUser は認証状態として公開するユーザー情報。
type SessionUser struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// AuthState はある時点の認証状態を表す。
type AuthState struct {
	Authenticated bool         `json:"authenticated"`
	User          *SessionUser `json:"user,omitempty"`
}

// UserFromSession はセッションから公開用のユーザー情報を組み立てる。
func UserFromSession(s *Session) *SessionUser {
	if s == nil {
		return nil
	}
	return &SessionUser{
		ID:          s.UserID,
		Email:       s.Email,
		DisplayName: s.DisplayName,
		AvatarURL:   s.AvatarURL,
	}
}
