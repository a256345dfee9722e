// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/messmenu/internal/model"
)

// マジックリンク消費時のエラー。
var (
	ErrMagicLinkNotFound = errors.New("magic link not found")
	ErrMagicLinkExpired  = errors.New("magic link expired")
	ErrMagicLinkConsumed = errors.New("magic link already consumed")
)

// ProfileRepository はユーザープロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.UserProfile, error)

	// Save はプロフィールをIDをキーにUPSERTする。
	// 既存行のcreated_atとproviderは更新しない。
	Save(ctx context.Context, profile *model.UserProfile) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// MagicLinkRepository はマジックリンク台帳の永続化インターフェース。
type MagicLinkRepository interface {
	// Create はマジックリンクを登録する。
	Create(ctx context.Context, link *model.MagicLink) error

	// Consume は指定IDのリンクを使用済みにする。
	// 存在しない・期限切れ・使用済みの場合はそれぞれ対応するエラーを返す。
	Consume(ctx context.Context, id string, now time.Time) (*model.MagicLink, error)

	// DeleteStale はbefore以前に期限切れとなったリンクと使用済みのリンクを削除する。
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}
