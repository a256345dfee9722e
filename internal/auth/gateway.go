package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/messmenu/internal/model"
	"github.com/hitoshi/messmenu/internal/repository"
	"github.com/hitoshi/messmenu/internal/storage"
)

// Mode はOAuthサインインの方式。
type Mode string

const (
	ModePopup    Mode = "popup"
	ModeRedirect Mode = "redirect"
)

// ParseMode は文字列からModeを返す。未知の値はポップアップ方式とする。
func ParseMode(s string) Mode {
	if Mode(strings.ToLower(s)) == ModeRedirect {
		return ModeRedirect
	}
	return ModePopup
}

// DefaultDestination はサインイン後の既定の遷移先。
const DefaultDestination = "/home"

// ProfileUpserter はプロフィールの作成・更新インターフェース。
type ProfileUpserter interface {
	Upsert(ctx context.Context, identity *model.Identity) (*model.UserProfile, error)
}

// Recorder はサインインフローの計測インターフェース。
type Recorder interface {
	SignInStarted(provider, mode string)
	AuthFailure(code string, silent bool)
	MagicLinkSent()
	ReconcileOutcome(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) SignInStarted(string, string) {}
func (nopRecorder) AuthFailure(string, bool)     {}
func (nopRecorder) MagicLinkSent()               {}
func (nopRecorder) ReconcileOutcome(string)      {}

// GatewayConfig はIdentity Gatewayの設定。
type GatewayConfig struct {
	BaseURL       string
	SessionMaxAge int // 秒
	MagicLinkTTL  time.Duration
	// ForceRedirect はポップアップ方式の要求をリダイレクト方式に切り替える。
	ForceRedirect bool
	// PopupFallbackCodes はリダイレクト方式で再試行するポップアップのエラーコード。
	PopupFallbackCodes []string
}

// GatewayDeps はIdentity Gatewayの依存。
type GatewayDeps struct {
	Providers  []OAuthProvider
	Profiles   ProfileUpserter
	Sessions   repository.SessionRepository
	MagicLinks repository.MagicLinkRepository
	Tokens     *TokenIssuer
	Mailer     Mailer
	Broker     *StateBroker
	Recorder   Recorder
	Now        func() time.Time
}

// Gateway は外部IdPとのサインインフローと認証状態を仲介する。
type Gateway struct {
	providers  map[string]OAuthProvider
	profiles   ProfileUpserter
	sessions   repository.SessionRepository
	magicLinks repository.MagicLinkRepository
	tokens     *TokenIssuer
	mailer     Mailer
	broker     *StateBroker
	recorder   Recorder
	now        func() time.Time
	config     GatewayConfig
	fallback   map[string]bool
}

// NewGateway はGatewayを生成する。
func NewGateway(deps GatewayDeps, config GatewayConfig) *Gateway {
	g := &Gateway{
		providers:  make(map[string]OAuthProvider),
		profiles:   deps.Profiles,
		sessions:   deps.Sessions,
		magicLinks: deps.MagicLinks,
		tokens:     deps.Tokens,
		mailer:     deps.Mailer,
		broker:     deps.Broker,
		recorder:   deps.Recorder,
		now:        deps.Now,
		config:     config,
		fallback:   make(map[string]bool),
	}
	for _, p := range deps.Providers {
		g.providers[p.Name()] = p
	}
	for _, code := range config.PopupFallbackCodes {
		g.fallback[code] = true
	}
	if g.mailer == nil {
		g.mailer = LogMailer{}
	}
	if g.broker == nil {
		g.broker = NewStateBroker()
	}
	if g.recorder == nil {
		g.recorder = nopRecorder{}
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// SignInStart はサインイン開始の結果。URLへ遷移させるのは呼び出し側の責任。
type SignInStart struct {
	Mode  Mode
	URL   string
	State string
}

// Providers は利用可能なプロバイダ名を返す。
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.providers))
	for _, name := range []string{ProviderGoogle, ProviderGitHub} {
		if _, ok := g.providers[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// SignInWithProvider はOAuthサインインを開始する。
// リダイレクト方式では遷移前に保留中リダイレクトを書き込み、既存の値は上書きする。
func (g *Gateway) SignInWithProvider(ctx context.Context, session storage.Store, providerName string, mode Mode, destination string) (*SignInStart, error) {
	// 1. プロバイダの確認
	p, ok := g.providers[providerName]
	if !ok {
		return nil, NewAuthError(CodeOperationNotAllowed, "unknown provider: "+providerName, nil)
	}

	if g.config.ForceRedirect {
		mode = ModeRedirect
	}

	// 2. stateの生成
	state, err := generateState()
	if err != nil {
		return nil, NewAuthError(CodeInternalError, "failed to generate state", err)
	}

	// 3. 方式ごとの一時レコードを保存
	dest := SanitizeDestination(destination)
	var key string
	var record interface{}
	if mode == ModeRedirect {
		key = storage.KeyPendingRedirect
		record = model.PendingRedirect{
			Destination: dest,
			Provider:    providerName,
			State:       state,
			CreatedAt:   g.now().UTC(),
		}
	} else {
		key = storage.KeyPendingPopup
		record = model.PendingPopup{
			Provider:    providerName,
			State:       state,
			Destination: dest,
		}
		if err := session.Delete(ctx, storage.KeyPopupFailure); err != nil {
			slog.Warn("failed to clear popup failure", slog.String("error", err.Error()))
		}
	}
	if err := putJSON(ctx, session, key, record); err != nil {
		return nil, NewAuthError(CodeInternalError, "failed to persist pending sign-in", err)
	}

	g.recorder.SignInStarted(providerName, string(mode))
	slog.Info("sign-in started",
		slog.String("provider", providerName),
		slog.String("mode", string(mode)),
	)

	return &SignInStart{Mode: mode, URL: p.GetLoginURL(state), State: state}, nil
}

// PopupResult はポップアップ方式のサインイン完了結果。
type PopupResult struct {
	Profile     *model.UserProfile
	Destination string
}

// HasPendingPopup はポップアップ方式のサインインが進行中かを返す。
func (g *Gateway) HasPendingPopup(ctx context.Context, session storage.Store) bool {
	_, ok, err := session.Get(ctx, storage.KeyPendingPopup)
	return err == nil && ok
}

// CompletePopupSignIn はポップアップ内のコールバックを処理し、プロフィールを返す。
// 一時レコードは結果にかかわらず削除する。
func (g *Gateway) CompletePopupSignIn(ctx context.Context, session storage.Store, query url.Values) (*PopupResult, error) {
	// 1. 一時レコードを取り出して削除
	var pending model.PendingPopup
	found, err := takeJSON(ctx, session, storage.KeyPendingPopup, &pending)
	if err != nil {
		return nil, g.failPopup(ctx, session, NewAuthError(CodeInternalError, "failed to read pending popup", err))
	}
	if !found {
		return nil, g.failPopup(ctx, session, NewAuthError(CodeInvalidState, "no popup sign-in in progress", nil))
	}

	// 2. プロバイダからの応答を検証
	if query.Get("state") != pending.State {
		return nil, g.failPopup(ctx, session, NewAuthError(CodeInvalidState, "state mismatch", nil))
	}
	if e := query.Get("error"); e != "" {
		return nil, g.failPopup(ctx, session, NewAuthError(providerErrorCode(e, ModePopup), query.Get("error_description"), nil))
	}
	code := query.Get("code")
	if code == "" {
		return nil, g.failPopup(ctx, session, NewAuthError(CodeInvalidState, "missing authorization code", nil))
	}

	// 3. 認可コードを交換
	p, ok := g.providers[pending.Provider]
	if !ok {
		return nil, g.failPopup(ctx, session, NewAuthError(CodeOperationNotAllowed, "unknown provider: "+pending.Provider, nil))
	}
	info, err := p.ExchangeCode(ctx, code)
	if err != nil {
		return nil, g.failPopup(ctx, session, fmt.Errorf("popup sign-in with %s failed: %w", pending.Provider, err))
	}

	// 4. プロフィールを更新
	profile := g.upsertOrMinimal(ctx, IdentityFromOAuth(info))
	return &PopupResult{Profile: profile, Destination: SanitizeDestination(pending.Destination)}, nil
}

// HandlePopupFailure はクライアントが報告したポップアップの失敗を処理する。
// codeがフォールバック対象であればリダイレクト方式でサインインを開始し直す。
// 対象外の場合はcodeのエラーを返す。
func (g *Gateway) HandlePopupFailure(ctx context.Context, session storage.Store, providerName, code, destination string) (*SignInStart, error) {
	if err := session.Delete(ctx, storage.KeyPendingPopup); err != nil {
		slog.Warn("failed to clear pending popup", slog.String("error", err.Error()))
	}

	if code == "" {
		code = CodeInternalError
	}
	// コールバックで記録済みの失敗は再度記録しない
	recorded, _, err := session.Get(ctx, storage.KeyPopupFailure)
	if err != nil {
		slog.Warn("failed to read popup failure", slog.String("error", err.Error()))
	}
	if err := session.Delete(ctx, storage.KeyPopupFailure); err != nil {
		slog.Warn("failed to clear popup failure", slog.String("error", err.Error()))
	}
	if !g.fallback[code] {
		failure := NewAuthError(code, "popup sign-in failed", nil)
		if recorded == code {
			return nil, failure
		}
		return nil, g.fail(failure)
	}

	slog.Info("popup sign-in failed, falling back to redirect",
		slog.String("provider", providerName),
		slog.String("code", code),
	)
	return g.SignInWithProvider(ctx, session, providerName, ModeRedirect, destination)
}

// RedirectResult はリダイレクトから戻ったリクエストのプロバイダ応答を解釈する。
// 応答がない、または自分が開始したリダイレクトの応答でない場合は(nil, nil)を返す。
func (g *Gateway) RedirectResult(ctx context.Context, pending *model.PendingRedirect, query url.Values) (*model.Identity, error) {
	if query.Get("code") == "" && query.Get("error") == "" {
		return nil, nil
	}
	if query.Get("state") != pending.State {
		slog.Warn("redirect result state mismatch", slog.String("provider", pending.Provider))
		return nil, nil
	}
	if e := query.Get("error"); e != "" {
		return nil, NewAuthError(providerErrorCode(e, ModeRedirect), query.Get("error_description"), nil)
	}

	p, ok := g.providers[pending.Provider]
	if !ok {
		return nil, NewAuthError(CodeOperationNotAllowed, "unknown provider: "+pending.Provider, nil)
	}
	info, err := p.ExchangeCode(ctx, query.Get("code"))
	if err != nil {
		return nil, fmt.Errorf("redirect sign-in with %s failed: %w", pending.Provider, err)
	}
	return IdentityFromOAuth(info), nil
}

// SendMagicLink はサインインリンクをメールで送信し、宛先を永続ストアに保存する。
func (g *Gateway) SendMagicLink(ctx context.Context, local storage.Store, email string) error {
	// 1. メールアドレスの検証
	address, err := validateEmail(email)
	if err != nil {
		return g.fail(err)
	}

	// 2. 台帳に登録
	now := g.now().UTC()
	link := &model.MagicLink{
		ID:        uuid.NewString(),
		Email:     address,
		ExpiresAt: now.Add(g.config.MagicLinkTTL),
		CreatedAt: now,
	}
	if err := g.magicLinks.Create(ctx, link); err != nil {
		return g.fail(NewAuthError(CodeInternalError, "failed to record magic link", err))
	}

	// 3. リンクを生成して送信
	token, err := g.tokens.IssueMagicLink(link.ID, address, link.ExpiresAt)
	if err != nil {
		return g.fail(NewAuthError(CodeInternalError, "failed to issue magic link", err))
	}
	linkURL := g.config.BaseURL + "/verify-email?token=" + url.QueryEscape(token)
	body := fmt.Sprintf("Open this link to sign in to the Mess Menu:\n\n%s\n\nThe link expires in %s and can be used once.\n",
		linkURL, g.config.MagicLinkTTL)
	if err := g.mailer.Send(ctx, address, "Your Mess Menu sign-in link", body); err != nil {
		return g.fail(NewAuthError(CodeEmailDeliveryFailed, "failed to send magic link", err))
	}

	// 4. 完了ページで再入力させないよう宛先を保存
	if err := local.Set(ctx, storage.KeyEmailForSignIn, address); err != nil {
		return g.fail(NewAuthError(CodeInternalError, "failed to store email for sign-in", err))
	}

	g.recorder.MagicLinkSent()
	slog.Info("magic link sent", slog.String("link_id", link.ID))
	return nil
}

// IsSignInWithEmailLink はURLがこのアプリのサインインリンクかを返す。
// 有効期限切れのリンクもサインインリンクとして扱う。
func (g *Gateway) IsSignInWithEmailLink(rawURL string) bool {
	token := magicLinkToken(rawURL)
	return token != "" && g.tokens.LooksLikeMagicLink(token)
}

// CompleteMagicLinkSignIn はサインインリンクを消費してプロフィールを返す。
// メールアドレスはemailHint、保存済みの値の順に使い、どちらもなければ
// auth/missing-emailを返す（呼び出し側で入力を求める）。
func (g *Gateway) CompleteMagicLinkSignIn(ctx context.Context, local storage.Store, rawURL, emailHint string) (*model.UserProfile, error) {
	// 1. リンクの判定
	if !g.IsSignInWithEmailLink(rawURL) {
		return nil, g.fail(NewAuthError(CodeInvalidActionCode, "not a sign-in link", nil))
	}

	// 2. メールアドレスの決定
	email := strings.TrimSpace(emailHint)
	if email == "" {
		stored, ok, err := local.Get(ctx, storage.KeyEmailForSignIn)
		if err != nil {
			slog.Warn("failed to read stored email", slog.String("error", err.Error()))
		}
		if ok {
			email = stored
		}
	}
	if email == "" {
		// 入力待ちはエラー計測に含めない
		return nil, NewAuthError(CodeMissingEmail, "email required to complete sign-in", nil)
	}

	// 3. トークンの検証
	claims, err := g.tokens.ParseMagicLink(magicLinkToken(rawURL))
	if errors.Is(err, ErrTokenExpired) {
		return nil, g.fail(NewAuthError(CodeExpiredActionCode, "magic link expired", err))
	}
	if err != nil {
		return nil, g.fail(NewAuthError(CodeInvalidActionCode, "invalid magic link", err))
	}
	if normalizeEmail(claims.Email) != normalizeEmail(email) {
		return nil, g.fail(NewAuthError(CodeInvalidEmail, "email does not match sign-in link", nil))
	}

	// 4. 台帳上で消費
	if _, err := g.magicLinks.Consume(ctx, claims.ID, g.now().UTC()); err != nil {
		switch {
		case errors.Is(err, repository.ErrMagicLinkExpired):
			return nil, g.fail(NewAuthError(CodeExpiredActionCode, "magic link expired", err))
		case errors.Is(err, repository.ErrMagicLinkConsumed), errors.Is(err, repository.ErrMagicLinkNotFound):
			return nil, g.fail(NewAuthError(CodeInvalidActionCode, "magic link already used", err))
		default:
			return nil, g.fail(NewAuthError(CodeInternalError, "failed to consume magic link", err))
		}
	}

	if err := local.Delete(ctx, storage.KeyEmailForSignIn); err != nil {
		slog.Warn("failed to clear stored email", slog.String("error", err.Error()))
	}

	// 5. プロフィールを更新
	return g.upsertOrMinimal(ctx, IdentityFromEmail(claims.Email)), nil
}

// EstablishSession はセッションを発行し、表示用トークンを保存して認証状態を配信する。
func (g *Gateway) EstablishSession(ctx context.Context, local storage.Store, clientID string, profile *model.UserProfile) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, NewAuthError(CodeInternalError, "failed to generate session ID", err)
	}

	now := g.now()
	ttl := time.Duration(g.config.SessionMaxAge) * time.Second
	session := &model.Session{
		ID:          sessionID,
		UserID:      profile.ID,
		Email:       profile.Email,
		DisplayName: profile.DisplayName,
		AvatarURL:   profile.AvatarURL,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}
	if err := g.sessions.Create(ctx, session); err != nil {
		return nil, NewAuthError(CodeInternalError, "failed to save session", err)
	}

	// 表示用トークンは失敗してもサインインを継続する
	if token, err := g.tokens.IssueIdentity(profile, ttl); err != nil {
		slog.Warn("failed to issue identity token", slog.String("error", err.Error()))
	} else if err := local.Set(ctx, storage.KeyIdentityToken, token); err != nil {
		slog.Warn("failed to store identity token", slog.String("error", err.Error()))
	}

	g.broker.Publish(clientID, model.AuthState{Authenticated: true, User: model.UserFromSession(session)})
	slog.Info("session established",
		slog.String("user_id", session.UserID),
		slog.String("session_id", session.ID),
	)
	return session, nil
}

// CurrentState はセッションIDから現在の認証状態を返す。
// セッションの取得に失敗した場合は未認証として扱う。
func (g *Gateway) CurrentState(ctx context.Context, sessionID string) model.AuthState {
	if sessionID == "" {
		return model.AuthState{}
	}
	session, err := g.sessions.FindByID(ctx, sessionID)
	if err != nil {
		slog.Error("failed to find session", slog.String("error", err.Error()))
		return model.AuthState{}
	}
	if session == nil {
		return model.AuthState{}
	}
	return model.AuthState{Authenticated: true, User: model.UserFromSession(session)}
}

// ObserveAuthState は認証状態を購読する。最初の値は現在の状態。
// 購読の解除（Close）は呼び出し側の責任で、ctxのキャンセルでも解除される。
func (g *Gateway) ObserveAuthState(ctx context.Context, clientID, sessionID string) *Subscription {
	return g.broker.Subscribe(ctx, clientID, g.CurrentState(ctx, sessionID))
}

// SignOut はセッションを破棄する。サーバー側の削除に失敗してもローカルの状態はクリアする。
func (g *Gateway) SignOut(ctx context.Context, local storage.Store, clientID, sessionID string) {
	if sessionID != "" {
		if err := g.sessions.DeleteByID(ctx, sessionID); err != nil {
			slog.Error("failed to delete session on sign-out",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}
	if local != nil {
		if err := local.Delete(ctx, storage.KeyIdentityToken); err != nil {
			slog.Warn("failed to clear identity token", slog.String("error", err.Error()))
		}
	}

	g.broker.Publish(clientID, model.AuthState{})
	slog.Info("user signed out", slog.String("session_id", sessionID))
}

// DisplayIdentity は表示用トークンから本人情報を取り出す。無効な場合はnilを返す。
func (g *Gateway) DisplayIdentity(ctx context.Context, local storage.Store) *IdentityClaims {
	raw, ok, err := local.Get(ctx, storage.KeyIdentityToken)
	if err != nil || !ok {
		return nil
	}
	claims, err := g.tokens.ParseIdentity(raw)
	if err != nil {
		return nil
	}
	return claims
}

// upsertOrMinimal はプロフィールを更新する。
// 失敗した場合はログに記録し、本人情報から組み立てた最小限のプロフィールを返す。
func (g *Gateway) upsertOrMinimal(ctx context.Context, identity *model.Identity) *model.UserProfile {
	profile, err := g.profiles.Upsert(ctx, identity)
	if err != nil {
		slog.Error("profile upsert failed, continuing with minimal profile",
			slog.String("user_id", identity.UID),
			slog.String("error", err.Error()),
		)
		return identity.MinimalProfile(g.now().UTC())
	}
	return profile
}

// fail はエラーを計測してから返す。
func (g *Gateway) fail(err error) error {
	code := CodeOf(err)
	g.recorder.AuthFailure(code, IsSilent(code))
	return err
}

// failPopup はfailに加えて、ポップアップが親ウィンドウへ同じコードを報告した際に
// 二重に記録しないよう、記録済みのコードをセッションに残す。
func (g *Gateway) failPopup(ctx context.Context, session storage.Store, err error) error {
	err = g.fail(err)
	if setErr := session.Set(ctx, storage.KeyPopupFailure, CodeOf(err)); setErr != nil {
		slog.Warn("failed to store popup failure", slog.String("error", setErr.Error()))
	}
	return err
}

// SanitizeDestination はサインイン後の遷移先を同一オリジンのパスに制限する。
func SanitizeDestination(dest string) string {
	dest = strings.TrimSpace(dest)
	if dest == "" || !strings.HasPrefix(dest, "/") || strings.HasPrefix(dest, "//") || strings.Contains(dest, "\\") {
		return DefaultDestination
	}
	u, err := url.Parse(dest)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return DefaultDestination
	}
	if strings.HasPrefix(u.Path, "/auth/") || u.Path == "/login" || u.Path == "/verify-email" {
		return DefaultDestination
	}
	return u.RequestURI()
}

// providerErrorCode はOAuthのerrorパラメータをエラーコードに変換する。
func providerErrorCode(e string, mode Mode) string {
	switch e {
	case "access_denied":
		if mode == ModePopup {
			return CodePopupClosedByUser
		}
		return CodeRedirectCancelledByUser
	case "temporarily_unavailable", "server_error":
		return CodeNetworkRequestFailed
	case "unauthorized_client", "invalid_scope", "unsupported_response_type", "invalid_client":
		return CodeOperationNotAllowed
	default:
		return CodeInternalError
	}
}

func validateEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return "", NewAuthError(CodeInvalidEmail, "email is empty", nil)
	}
	addr, err := mail.ParseAddress(trimmed)
	if err != nil || addr.Address != trimmed {
		return "", NewAuthError(CodeInvalidEmail, "malformed email address", err)
	}
	domain := addr.Address[strings.LastIndexByte(addr.Address, '@')+1:]
	if !strings.Contains(domain, ".") {
		return "", NewAuthError(CodeInvalidEmail, "email domain has no dot", nil)
	}
	return addr.Address, nil
}

func magicLinkToken(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path != "/verify-email" {
		return ""
	}
	return u.Query().Get("token")
}

func putJSON(ctx context.Context, s storage.Store, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(b))
}

// takeJSON は値を読み取ってから削除する。値がなければfalseを返す。
// 値が存在したがデコードできなかった場合は(true, err)を返す。
func takeJSON(ctx context.Context, s storage.Store, key string, v interface{}) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := s.Delete(ctx, key); err != nil {
		slog.Warn("failed to delete storage key", slog.String("key", key), slog.String("error", err.Error()))
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return true, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
