package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresIdentityRepo はGoogleアカウントとユーザーの対応をidentitiesテーブルから引く。
type PostgresIdentityRepo struct {
	db *sql.DB
}

// NewPostgresIdentityRepo はPostgresIdentityRepoを生成する。
func NewPostgresIdentityRepo(db *sql.DB) *PostgresIdentityRepo {
	return &PostgresIdentityRepo{db: db}
}

// FindUserID はIdPのアカウントに紐づくユーザーIDを返す。未登録なら空文字。
func (r *PostgresIdentityRepo) FindUserID(ctx context.Context, provider, subject string) (string, error) {
	return findIdentityOwner(ctx, r.db, provider, subject)
}

// queryRower は*sql.DBと*sql.Txの共通部分。
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findIdentityOwner(ctx context.Context, q queryRower, provider, subject string) (string, error) {
	var userID string
	err := q.QueryRowContext(ctx,
		`SELECT user_id FROM identities WHERE provider = $1 AND provider_user_id = $2`,
		provider, subject,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up %s identity: %w", provider, err)
	}
	return userID, nil
}

var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
