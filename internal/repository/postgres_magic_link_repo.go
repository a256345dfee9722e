package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/messmenu/internal/model"
)

// PostgresMagicLinkRepo はPostgreSQLを使用したマジックリンクリポジトリ。
type PostgresMagicLinkRepo struct {
	db *sql.DB
}

// NewPostgresMagicLinkRepo はPostgresMagicLinkRepoを生成する。
func NewPostgresMagicLinkRepo(db *sql.DB) *PostgresMagicLinkRepo {
	return &PostgresMagicLinkRepo{db: db}
}

// Create はマジックリンクを登録する。
func (r *PostgresMagicLinkRepo) Create(ctx context.Context, link *model.MagicLink) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO magic_links (id, email, expires_at, created_at)
		 VALUES ($1, $2, $3, $4)`,
		link.ID, link.Email, link.ExpiresAt, link.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create magic link: %w", err)
	}
	return nil
}

// Consume は指定IDのリンクを使用済みにする。
// 同じリンクの同時消費を防ぐため、行ロックを取得してから判定する。
func (r *PostgresMagicLinkRepo) Consume(ctx context.Context, id string, now time.Time) (*model.MagicLink, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	link := &model.MagicLink{}
	var consumedAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT id, email, expires_at, consumed_at, created_at
		 FROM magic_links WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&link.ID, &link.Email, &link.ExpiresAt, &consumedAt, &link.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMagicLinkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find magic link: %w", err)
	}

	if consumedAt.Valid {
		return nil, ErrMagicLinkConsumed
	}
	if !now.Before(link.ExpiresAt) {
		return nil, ErrMagicLinkExpired
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE magic_links SET consumed_at = $2 WHERE id = $1`,
		id, now,
	); err != nil {
		return nil, fmt.Errorf("failed to consume magic link: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	link.ConsumedAt = &now
	return link, nil
}

// DeleteStale は期限切れまたは使用済みのリンクを削除する。
func (r *PostgresMagicLinkRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM magic_links WHERE expires_at <= $1 OR consumed_at IS NOT NULL`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale magic links: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ MagicLinkRepository = (*PostgresMagicLinkRepo)(nil)
