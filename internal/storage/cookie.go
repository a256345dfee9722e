package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// cookieClaims はCookieに格納する署名済みの値。
// Cookie名をクレームに含め、別のCookieへの値の付け替えを検出する。
type cookieClaims struct {
	Name  string `json:"n"`
	Value string `json:"v"`
	jwt.RegisteredClaims
}

// CookieOptions はCookieストアの設定。
type CookieOptions struct {
	Secret []byte
	// LocalMaxAge は永続スコープのCookieの有効期間（秒）。
	LocalMaxAge int
	Secure      bool
	Domain      string
}

// CookieProvider はCookieをバックエンドとするProvider。
type CookieProvider struct {
	opts CookieOptions
}

// NewCookieProvider はCookieProviderを生成する。
func NewCookieProvider(opts CookieOptions) *CookieProvider {
	return &CookieProvider{opts: opts}
}

// Session はブラウザを閉じると消えるCookieを使うストアを返す。
func (p *CookieProvider) Session(w http.ResponseWriter, r *http.Request) Store {
	return newCookieStore(w, r, ScopeSession, 0, p.opts)
}

// Local はMax-Age付きのCookieを使うストアを返す。
func (p *CookieProvider) Local(w http.ResponseWriter, r *http.Request) Store {
	return newCookieStore(w, r, ScopeLocal, p.opts.LocalMaxAge, p.opts)
}

// CookieStore は署名付きCookieに値を保存するStore。
type CookieStore struct {
	w      http.ResponseWriter
	r      *http.Request
	prefix string
	maxAge int
	opts   CookieOptions

	mu      sync.Mutex
	written map[string]*string // 同一リクエスト内での書き込み。nilは削除済み
}

func newCookieStore(w http.ResponseWriter, r *http.Request, scope Scope, maxAge int, opts CookieOptions) *CookieStore {
	prefix := "ss_"
	if scope == ScopeLocal {
		prefix = "ls_"
	}
	return &CookieStore{
		w:       w,
		r:       r,
		prefix:  prefix,
		maxAge:  maxAge,
		opts:    opts,
		written: make(map[string]*string),
	}
}

// Get は値を取得する。署名が不正なCookieは存在しないものとして扱う。
func (s *CookieStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	if v, ok := s.written[key]; ok {
		s.mu.Unlock()
		if v == nil {
			return "", false, nil
		}
		return *v, true, nil
	}
	s.mu.Unlock()

	name := s.prefix + key
	c, err := s.r.Cookie(name)
	if errors.Is(err, http.ErrNoCookie) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cookie %s: %w", name, err)
	}

	value, ok := s.verify(name, c.Value)
	if !ok {
		return "", false, nil
	}
	return value, true, nil
}

// Set は値を署名してCookieに書き込む。
func (s *CookieStore) Set(_ context.Context, key, value string) error {
	name := s.prefix + key
	signed, err := s.sign(name, value)
	if err != nil {
		return err
	}

	http.SetCookie(s.w, &http.Cookie{
		Name:     name,
		Value:    signed,
		Path:     "/",
		Domain:   s.opts.Domain,
		MaxAge:   s.maxAge,
		HttpOnly: true,
		Secure:   s.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	s.mu.Lock()
	s.written[key] = &value
	s.mu.Unlock()
	return nil
}

// Delete はCookieを削除する。
func (s *CookieStore) Delete(_ context.Context, key string) error {
	http.SetCookie(s.w, &http.Cookie{
		Name:     s.prefix + key,
		Value:    "",
		Path:     "/",
		Domain:   s.opts.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	s.mu.Lock()
	s.written[key] = nil
	s.mu.Unlock()
	return nil
}

func (s *CookieStore) sign(name, value string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, cookieClaims{Name: name, Value: value})
	signed, err := token.SignedString(s.opts.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign cookie %s: %w", name, err)
	}
	return signed, nil
}

func (s *CookieStore) verify(name, raw string) (string, bool) {
	claims := &cookieClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return s.opts.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || claims.Name != name {
		return "", false
	}
	return claims.Value, true
}

// compile-time interface check
var (
	_ Store    = (*CookieStore)(nil)
	_ Provider = (*CookieProvider)(nil)
)
