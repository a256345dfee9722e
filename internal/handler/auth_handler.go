package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/messmenu/internal/auth"
	"github.com/hitoshi/messmenu/internal/middleware"
	"github.com/hitoshi/messmenu/internal/model"
	"github.com/hitoshi/messmenu/internal/storage"
	"github.com/hitoshi/messmenu/internal/view"
)

// AuthFlow はサインインフローに必要なIdentity Gatewayの部分集合。
type AuthFlow interface {
	Providers() []string
	SignInWithProvider(ctx context.Context, session storage.Store, providerName string, mode auth.Mode, destination string) (*auth.SignInStart, error)
	HasPendingPopup(ctx context.Context, session storage.Store) bool
	CompletePopupSignIn(ctx context.Context, session storage.Store, query url.Values) (*auth.PopupResult, error)
	HandlePopupFailure(ctx context.Context, session storage.Store, providerName, code, destination string) (*auth.SignInStart, error)
	SendMagicLink(ctx context.Context, local storage.Store, email string) error
	IsSignInWithEmailLink(rawURL string) bool
	CompleteMagicLinkSignIn(ctx context.Context, local storage.Store, rawURL, emailHint string) (*model.UserProfile, error)
	EstablishSession(ctx context.Context, local storage.Store, clientID string, profile *model.UserProfile) (*model.Session, error)
	ObserveAuthState(ctx context.Context, clientID, sessionID string) *auth.Subscription
	SignOut(ctx context.Context, local storage.Store, clientID, sessionID string)
}

// AuthHandlerConfig はAuthHandlerの設定。
type AuthHandlerConfig struct {
	Cookie        middleware.CookieConfig
	ForceRedirect bool
	// KeepAlive は認証状態ストリームのコメント送信間隔。
	KeepAlive time.Duration
}

// AuthHandler はサインイン・サインアウトと認証状態配信のHTTPハンドラー。
type AuthHandler struct {
	pages
	flow      AuthFlow
	cookie    middleware.CookieConfig
	keepAlive time.Duration
	now       func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(renderer *view.Renderer, flow AuthFlow, config AuthHandlerConfig) *AuthHandler {
	keepAlive := config.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	return &AuthHandler{
		pages:     pages{renderer: renderer, forceRedirect: config.ForceRedirect},
		flow:      flow,
		cookie:    config.Cookie,
		keepAlive: keepAlive,
		now:       time.Now,
	}
}

// Start はOAuthサインインを開始し、プロバイダの認可画面へリダイレクトする。
// GET /auth/{provider}/login?mode=popup|redirect&next=/home
func (h *AuthHandler) Start(w http.ResponseWriter, r *http.Request) {
	session, _, ok := h.stores(w, r)
	if !ok {
		return
	}

	provider := chi.URLParam(r, "provider")
	query := r.URL.Query()
	start, err := h.flow.SignInWithProvider(r.Context(), session, provider, auth.ParseMode(query.Get("mode")), query.Get("next"))
	if err != nil {
		slog.Warn("failed to start sign-in",
			slog.String("provider", provider),
			slog.String("error", err.Error()),
		)
		redirectToLogin(w, r, auth.CodeOf(err))
		return
	}

	http.Redirect(w, r, start.URL, http.StatusFound)
}

// Callback はプロバイダからのコールバックを処理する。
// リダイレクト方式の応答は前段のリコンサイラーが処理済みのため、
// ここではポップアップ方式の応答だけを扱う。
// GET /auth/{provider}/callback
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	session, local, ok := h.stores(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if !h.flow.HasPendingPopup(ctx, session) {
		http.Redirect(w, r, "/login", http.StatusSeeOther)
		return
	}

	// 1. 認可コードを交換してプロフィールを得る
	result, err := h.flow.CompletePopupSignIn(ctx, session, r.URL.Query())
	if err != nil {
		h.renderPopupDone(w, r, &view.PopupDonePage{Code: auth.CodeOf(err)})
		return
	}

	// 2. セッションを確立し、元のウィンドウに結果を渡す
	established, err := h.flow.EstablishSession(ctx, local, middleware.ClientIDFromContext(ctx), result.Profile)
	if err != nil {
		slog.Error("failed to establish session", slog.String("error", err.Error()))
		h.renderPopupDone(w, r, &view.PopupDonePage{Code: auth.CodeOf(err)})
		return
	}
	middleware.SetSessionCookie(w, established, h.now(), h.cookie)
	h.renderPopupDone(w, r, &view.PopupDonePage{Success: true, Destination: result.Destination})
}

func (h *AuthHandler) renderPopupDone(w http.ResponseWriter, r *http.Request, data *view.PopupDonePage) {
	data.Base = h.base(r)
	h.render(w, r, http.StatusOK, view.PagePopupDone, data)
}

// popupFailureRequest はポップアップ失敗報告のリクエストボディ。
type popupFailureRequest struct {
	Provider string `json:"provider"`
	Code     string `json:"code"`
	Next     string `json:"next"`
}

// popupFailureResponse はポップアップ失敗報告のレスポンス。
// フォールバックする場合はRedirectURLだけ、しない場合はCodeとMessageを返す。
// Messageが空なら何も表示しない。
type popupFailureResponse struct {
	RedirectURL string `json:"redirect_url,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// PopupFailure はクライアントから報告されたポップアップの失敗を処理する。
// POST /auth/popup/failure
func (h *AuthHandler) PopupFailure(w http.ResponseWriter, r *http.Request) {
	session, _, ok := h.stores(w, r)
	if !ok {
		return
	}

	var req popupFailureRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("Invalid request body."))
		return
	}

	start, err := h.flow.HandlePopupFailure(r.Context(), session, req.Provider, req.Code, req.Next)
	if err != nil {
		code := auth.CodeOf(err)
		writeJSON(w, http.StatusOK, popupFailureResponse{Code: code, Message: auth.FailureFromCode(code).Message})
		return
	}
	writeJSON(w, http.StatusOK, popupFailureResponse{RedirectURL: start.URL})
}

// MagicLink はサインインリンクをメールで送信し、結果をサインイン画面に表示する。
// 送信後も画面は遷移しない。
// POST /auth/magic-link
func (h *AuthHandler) MagicLink(w http.ResponseWriter, r *http.Request) {
	_, local, ok := h.stores(w, r)
	if !ok {
		return
	}

	email := strings.TrimSpace(r.PostFormValue("email"))
	data := h.loginPage(r, h.flow.Providers(), auth.DefaultDestination)

	if err := h.flow.SendMagicLink(r.Context(), local, email); err != nil {
		code := auth.CodeOf(err)
		slog.Warn("failed to send magic link", slog.String("code", code))
		data.Email = email
		data.Message = view.ErrorMessage(auth.FailureFromCode(code).Message)
		h.render(w, r, magicLinkStatus(code), view.PageLogin, data)
		return
	}

	data.Message = view.SuccessMessage(fmt.Sprintf("Check your inbox. We sent a sign-in link to %s.", email))
	h.render(w, r, http.StatusOK, view.PageLogin, data)
}

func magicLinkStatus(code string) int {
	switch code {
	case auth.CodeInvalidEmail, auth.CodeMissingEmail:
		return http.StatusBadRequest
	case auth.CodeTooManyRequests:
		return http.StatusTooManyRequests
	case auth.CodeEmailDeliveryFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// VerifyEmail はメールのサインインリンクを開いたときの処理。
// 保存済みのメールアドレスがなければ入力フォームを表示する。
// GET /verify-email?token=...
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	_, local, ok := h.stores(w, r)
	if !ok {
		return
	}

	rawURL := r.URL.RequestURI()
	if !h.flow.IsSignInWithEmailLink(rawURL) {
		h.renderVerify(w, r, http.StatusBadRequest, &view.VerifyEmailPage{
			Message: view.ErrorMessage(auth.FailureFromCode(auth.CodeInvalidActionCode).Message),
		})
		return
	}

	token := r.URL.Query().Get("token")
	profile, err := h.flow.CompleteMagicLinkSignIn(r.Context(), local, rawURL, "")
	if err != nil && auth.CodeOf(err) == auth.CodeMissingEmail {
		// 別のブラウザで開いた場合。入力を待つだけなのでメッセージは出さない
		h.renderVerify(w, r, http.StatusOK, &view.VerifyEmailPage{Token: token})
		return
	}
	h.finishMagicLink(w, r, local, token, "", profile, err)
}

// ConfirmEmail は入力されたメールアドレスでサインインリンクを完了する。
// POST /verify-email
func (h *AuthHandler) ConfirmEmail(w http.ResponseWriter, r *http.Request) {
	_, local, ok := h.stores(w, r)
	if !ok {
		return
	}

	token := strings.TrimSpace(r.PostFormValue("token"))
	email := strings.TrimSpace(r.PostFormValue("email"))
	rawURL := "/verify-email?token=" + url.QueryEscape(token)

	profile, err := h.flow.CompleteMagicLinkSignIn(r.Context(), local, rawURL, email)
	h.finishMagicLink(w, r, local, token, email, profile, err)
}

// finishMagicLink はサインインリンクの完了結果に応じてセッションを確立するか、画面を再表示する。
func (h *AuthHandler) finishMagicLink(w http.ResponseWriter, r *http.Request, local storage.Store, token, email string, profile *model.UserProfile, err error) {
	ctx := r.Context()
	if err != nil {
		code := auth.CodeOf(err)
		data := &view.VerifyEmailPage{Message: view.ErrorMessage(auth.FailureFromCode(code).Message)}
		status := http.StatusBadRequest
		switch code {
		case auth.CodeMissingEmail, auth.CodeInvalidEmail:
			// 入力のやり直しで完了できるためフォームを残す
			data.Token = token
			data.Email = email
		case auth.CodeInternalError:
			status = http.StatusInternalServerError
		}
		h.renderVerify(w, r, status, data)
		return
	}

	established, err := h.flow.EstablishSession(ctx, local, middleware.ClientIDFromContext(ctx), profile)
	if err != nil {
		slog.Error("failed to establish session", slog.String("error", err.Error()))
		h.renderVerify(w, r, http.StatusInternalServerError, &view.VerifyEmailPage{
			Message: view.ErrorMessage(auth.FailureFromCode(auth.CodeOf(err)).Message),
		})
		return
	}
	middleware.SetSessionCookie(w, established, h.now(), h.cookie)
	http.Redirect(w, r, auth.DefaultDestination, http.StatusSeeOther)
}

func (h *AuthHandler) renderVerify(w http.ResponseWriter, r *http.Request, status int, data *view.VerifyEmailPage) {
	data.Base = h.base(r)
	h.render(w, r, status, view.PageVerifyEmail, data)
}

// Logout はセッションを破棄してトップページへリダイレクトする。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.flow.SignOut(ctx, storage.LocalFrom(ctx), middleware.ClientIDFromContext(ctx), middleware.SessionIDFromRequest(r))
	middleware.ClearSessionCookie(w, h.cookie)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// State は認証状態の変化をServer-Sent Eventsで配信する。
// 最初のイベントは現在の状態で、以降は同じクライアントでのサインイン・サインアウトを配信する。
// GET /auth/state
func (h *AuthHandler) State(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := http.NewResponseController(w)

	// サーバー全体の書き込みタイムアウトはストリームには適用しない
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Debug("write deadline not supported", slog.String("error", err.Error()))
	}

	sub := h.flow.ObserveAuthState(ctx, middleware.ClientIDFromContext(ctx), middleware.SessionIDFromRequest(r))
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Error("streaming not supported", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-sub.Updates():
			if !ok {
				return
			}
			if err := writeAuthEvent(w, state); err != nil {
				slog.Debug("failed to write auth event", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeAuthEvent(w http.ResponseWriter, state model.AuthState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode auth state: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: auth\ndata: %s\n\n", data)
	return err
}

// stores はリクエストに紐づくストアを返す。
// ミドルウェアが設定されていない場合は500を書き込みfalseを返す。
func (h *AuthHandler) stores(w http.ResponseWriter, r *http.Request) (storage.Store, storage.Store, bool) {
	session := storage.SessionFrom(r.Context())
	local := storage.LocalFrom(r.Context())
	if session == nil || local == nil {
		slog.Error("storage is not attached to request", slog.String("path", r.URL.Path))
		middleware.WriteInternalServerError(w)
		return nil, nil, false
	}
	return session, local, true
}

// redirectToLogin はエラーコード付きでサインイン画面へリダイレクトする。
func redirectToLogin(w http.ResponseWriter, r *http.Request, code string) {
	target := "/login"
	if !auth.IsSilent(code) {
		target += "?error=" + url.QueryEscape(code)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
