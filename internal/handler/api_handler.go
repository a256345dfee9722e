package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/messmenu/internal/menu"
	"github.com/hitoshi/messmenu/internal/middleware"
	"github.com/hitoshi/messmenu/internal/model"
	"github.com/hitoshi/messmenu/internal/security"
)

// defaultAvatarMaxSize はアバター画像の取得上限（バイト）。
const defaultAvatarMaxSize = 1 << 20

// URLValidator は外部URLの事前検証インターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// AvatarConfig はアバタープロキシの設定。
type AvatarConfig struct {
	Validator URLValidator
	Client    *http.Client
	MaxSize   int64
}

// APIHandler はJSON APIのHTTPハンドラー。
type APIHandler struct {
	menu   *menu.Menu
	avatar AvatarConfig
	now    func() time.Time
}

// NewAPIHandler はAPIHandlerを生成する。
func NewAPIHandler(m *menu.Menu, avatar AvatarConfig) *APIHandler {
	if avatar.MaxSize <= 0 {
		avatar.MaxSize = defaultAvatarMaxSize
	}
	return &APIHandler{menu: m, avatar: avatar, now: time.Now}
}

// Me は現在のユーザー情報を返す。
// GET /api/me
func (h *APIHandler) Me(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// weekResponse は1週間分のメニューのレスポンス。
type weekResponse struct {
	Title string         `json:"title"`
	Days  []menu.DayMenu `json:"days"`
	Rules []string       `json:"rules"`
}

// Menu はメニューを返す。dayを指定した場合はその曜日のみ、省略時は1週間分を返す。
// GET /api/menu?day=monday
func (h *APIHandler) Menu(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("day")
	if raw == "" {
		writeJSON(w, http.StatusOK, weekResponse{
			Title: h.menu.Title(),
			Days:  h.menu.Week(),
			Rules: h.menu.Rules(),
		})
		return
	}

	day, err := menu.ParseDay(raw)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidDayError(raw))
		return
	}
	writeJSON(w, http.StatusOK, h.menu.Day(day))
}

// Avatar はIdPが提供するアバター画像をプロキシする。
// ブラウザから外部ホストへ直接リクエストさせないため、サーバー側で取得して返す。
// GET /api/avatar
func (h *APIHandler) Avatar(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	if user.AvatarURL == "" {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewAvatarNotFoundError())
		return
	}

	// 1. URLの事前検証
	if err := h.avatar.Validator.ValidateURL(user.AvatarURL); err != nil {
		slog.Warn("avatar URL rejected",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewAvatarBlockedError())
		return
	}

	// 2. 画像の取得
	img, err := security.FetchImage(r.Context(), h.avatar.Client, user.AvatarURL, h.avatar.MaxSize)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		level := slog.LevelWarn
		if errors.Is(err, security.ErrNotAnImage) || errors.Is(err, security.ErrTooLarge) {
			level = slog.LevelInfo
		}
		slog.Log(r.Context(), level, "failed to fetch avatar",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewAvatarNotFoundError())
		return
	}

	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Data); err != nil {
		slog.Debug("failed to write avatar", slog.String("error", err.Error()))
	}
}
