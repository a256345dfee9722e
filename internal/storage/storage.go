// Package storage はブラウザ側の保存領域に相当するキーバリューストアを提供する。
//
// セッションスコープ（タブやブラウザを閉じると消える）と永続スコープの2種類があり、
// 認証フローの一時レコードやサインイン待ちのメールアドレスを保持する。
package storage

import (
	"context"
	"net/http"
)

// 保存キー。
const (
	KeyPendingRedirect = "pendingRedirect"
	KeyPendingPopup    = "pendingPopup"
	KeyPopupFailure    = "popupFailure"
	KeyEmailForSignIn  = "emailForSignIn"
	KeyIdentityToken   = "identityToken"
)

// Scope はストアの寿命を表す。
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeLocal   Scope = "local"
)

// Store はスコープ付きのキーバリューストア。
// 値が存在しない場合、Getは("", false, nil)を返す。
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Provider はリクエストごとのストアを生成する。
type Provider interface {
	Session(w http.ResponseWriter, r *http.Request) Store
	Local(w http.ResponseWriter, r *http.Request) Store
}

type contextKey int

const (
	sessionStoreKey contextKey = iota
	localStoreKey
)

// Attach はリクエストごとにストアを1度だけ生成してコンテキストに格納するミドルウェア。
// 同一リクエスト内のミドルウェアとハンドラーが同じストアを共有するため、
// 先に行った書き込みが後の読み取りに反映される。
func Attach(p Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), sessionStoreKey, p.Session(w, r))
			ctx = context.WithValue(ctx, localStoreKey, p.Local(w, r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFrom はコンテキストからセッションスコープのストアを取得する。
func SessionFrom(ctx context.Context) Store {
	if s, ok := ctx.Value(sessionStoreKey).(Store); ok {
		return s
	}
	return nil
}

// LocalFrom はコンテキストから永続スコープのストアを取得する。
func LocalFrom(ctx context.Context) Store {
	if s, ok := ctx.Value(localStoreKey).(Store); ok {
		return s
	}
	return nil
}

// WithStores はストアを格納したコンテキストを返す。テストやワーカーから使う。
func WithStores(ctx context.Context, session, local Store) context.Context {
	ctx = context.WithValue(ctx, sessionStoreKey, session)
	return context.WithValue(ctx, localStoreKey, local)
}
