package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// SessionScopeCookieName はRedisのセッションスコープを識別するCookieの名前。
// Max-Ageを付けないため、ブラウザを閉じるとスコープも切り替わる。
const SessionScopeCookieName = "ss_scope"

// RedisOptions はRedisProviderの設定。
type RedisOptions struct {
	// ClientID は永続スコープのキーに使うクライアントIDを返す。
	ClientID   func(*http.Request) string
	SessionTTL time.Duration
	LocalTTL   time.Duration
	Secure     bool
	Domain     string
}

// RedisProvider はRedisをバックエンドとするProvider。
// 永続スコープはクライアントIDミドルウェアが発行したIDで、
// セッションスコープはMax-AgeなしのCookieで発行したIDで識別する。
type RedisProvider struct {
	client *redis.Client
	opts   RedisOptions
}

// NewRedisProvider はRedisProviderを生成する。
func NewRedisProvider(client *redis.Client, opts RedisOptions) *RedisProvider {
	return &RedisProvider{client: client, opts: opts}
}

// Session はセッションスコープのストアを返す。
func (p *RedisProvider) Session(w http.ResponseWriter, r *http.Request) Store {
	return NewRedisStore(p.client, ScopeSession, p.sessionScopeID(w, r), p.opts.SessionTTL)
}

// Local は永続スコープのストアを返す。
func (p *RedisProvider) Local(_ http.ResponseWriter, r *http.Request) Store {
	return NewRedisStore(p.client, ScopeLocal, p.opts.ClientID(r), p.opts.LocalTTL)
}

// sessionScopeID はセッションスコープのIDを返す。Cookieがなければ新しく発行する。
func (p *RedisProvider) sessionScopeID(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(SessionScopeCookieName); err == nil {
		if parsed, err := uuid.Parse(cookie.Value); err == nil {
			return parsed.String()
		}
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionScopeCookieName,
		Value:    id,
		Path:     "/",
		Domain:   p.opts.Domain,
		HttpOnly: true,
		Secure:   p.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// RedisStore はRedisに値を保存するStore。
// キーは messmenu:{scope}:{clientID}:{key} の形式。
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore はRedisStoreを生成する。
func NewRedisStore(client *redis.Client, scope Scope, clientID string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: fmt.Sprintf("messmenu:%s:%s:", scope, clientID),
		ttl:    ttl,
	}
}

// Get は値を取得する。
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	return v, true, nil
}

// Set は値をTTL付きで保存する。
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	return nil
}

// Delete は値を削除する。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s from redis: %w", key, err)
	}
	return nil
}

// NewRedisClient はURLからRedisクライアントを生成する。
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// compile-time interface check
var (
	_ Store    = (*RedisStore)(nil)
	_ Provider = (*RedisProvider)(nil)
)
