// Package profile はユーザープロフィールの読み書きを提供する。
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/messmenu/internal/model"
	"github.com/hitoshi/messmenu/internal/repository"
)

// Service はプロフィールストアのサービス層。
type Service struct {
	repo repository.ProfileRepository
	now  func() time.Time
}

// Option はServiceの生成オプション。
type Option func(*Service)

// WithClock は現在時刻の取得関数を差し替える。テスト用。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repo repository.ProfileRepository, opts ...Option) *Service {
	s := &Service{
		repo: repo,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upsert は本人情報をもとにプロフィールを作成または更新する。
// 既存のcreated_atとproviderは保持し、updated_atとlast_loginは現在時刻に更新する。
// 空のフィールドは既存の値を上書きしない。
func (s *Service) Upsert(ctx context.Context, identity *model.Identity) (*model.UserProfile, error) {
	if identity == nil || identity.UID == "" {
		return nil, fmt.Errorf("プロフィールの保存にはuidが必要です")
	}

	// 1. 既存プロフィールを読み取る
	existing, err := s.repo.FindByID(ctx, identity.UID)
	if err != nil {
		return nil, fmt.Errorf("既存プロフィールの取得に失敗しました: %w", err)
	}

	// 2. マージ
	now := s.now().UTC()
	merged := Merge(existing, identity, now)

	// 3. 保存
	if err := s.repo.Save(ctx, merged); err != nil {
		return nil, fmt.Errorf("プロフィールの保存に失敗しました: %w", err)
	}

	if existing == nil {
		slog.Info("profile created",
			slog.String("user_id", merged.ID),
			slog.String("provider", merged.Provider),
		)
	} else {
		slog.Debug("profile refreshed", slog.String("user_id", merged.ID))
	}

	return merged, nil
}

// Merge は既存プロフィールと本人情報をマージした新しいプロフィールを返す。
// existingがnilの場合は新規プロフィールを組み立てる。
func Merge(existing *model.UserProfile, identity *model.Identity, now time.Time) *model.UserProfile {
	if existing == nil {
		return identity.MinimalProfile(now)
	}

	merged := *existing
	merged.Email = coalesce(identity.Email, existing.Email)
	merged.DisplayName = coalesce(identity.DisplayName, existing.DisplayName)
	merged.AvatarURL = coalesce(identity.AvatarURL, existing.AvatarURL)
	merged.UpdatedAt = now
	merged.LastLogin = now

	// 古い行でproviderが欠けている場合のみ補完する
	if merged.Provider == "" {
		merged.Provider = identity.Provider
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = now
	}
	return &merged
}

func coalesce(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
