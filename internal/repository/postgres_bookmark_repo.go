package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/smartmark/internal/model"
)

// PostgresBookmarkRepo はPostgreSQLを使用したブックマークリポジトリ。
type PostgresBookmarkRepo struct {
	db *sql.DB
}

// NewPostgresBookmarkRepo はPostgresBookmarkRepoを生成する。
func NewPostgresBookmarkRepo(db *sql.DB) *PostgresBookmarkRepo {
	return &PostgresBookmarkRepo{db: db}
}

// ListByUser はユーザーのブックマークをcreated_at降順で返す。
func (r *PostgresBookmarkRepo) ListByUser(ctx context.Context, userID string) ([]*model.Bookmark, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, title, url, created_at
		 FROM bookmarks
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookmarks: %w", err)
	}
	defer rows.Close()

	bookmarks := make([]*model.Bookmark, 0)
	for rows.Next() {
		b := &model.Bookmark{}
		if err := rows.Scan(&b.ID, &b.UserID, &b.Title, &b.URL, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bookmark: %w", err)
		}
		bookmarks = append(bookmarks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bookmarks: %w", err)
	}

	return bookmarks, nil
}

// FindByID は指定IDのブックマークを取得する。見つからない場合はnilを返す。
func (r *PostgresBookmarkRepo) FindByID(ctx context.Context, id string) (*model.Bookmark, error) {
	b := &model.Bookmark{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, url, created_at FROM bookmarks WHERE id = $1`,
		id,
	).Scan(&b.ID, &b.UserID, &b.Title, &b.URL, &b.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find bookmark by ID: %w", err)
	}

	return b, nil
}

// Create はブックマークを作成する。IDとCreatedAtはDBが採番し、引数に書き戻す。
func (r *PostgresBookmarkRepo) Create(ctx context.Context, bookmark *model.Bookmark) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO bookmarks (user_id, title, url)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		bookmark.UserID, bookmark.Title, bookmark.URL,
	).Scan(&bookmark.ID, &bookmark.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert bookmark: %w", err)
	}
	return nil
}

// DeleteByUserAndID はユーザーのブックマークを削除する。
// 対象が存在しなかった場合はfalseを返す。
func (r *PostgresBookmarkRepo) DeleteByUserAndID(ctx context.Context, userID, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM bookmarks WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete bookmark: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// compile-time interface check
var _ BookmarkRepository = (*PostgresBookmarkRepo)(nil)
