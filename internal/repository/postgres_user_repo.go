package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/smartmark/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at, updated_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("failed to find user %s: %w", id, err)
	}
	return &u, nil
}

// CreateWithIdentity は初回サインインのユーザーとidentityを1トランザクションで登録する。
// WebとCLIから同じアカウントの初回サインインが重なった場合は先に登録された側を採用し、
// user.IDとidentity.UserIDを既存のユーザーIDに書き換えて返す。
func (r *PostgresUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}

	var owner string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO identities (id, user_id, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider, provider_user_id) DO NOTHING
		 RETURNING user_id`,
		identity.ID, user.ID, identity.Provider, identity.ProviderUserID, identity.CreatedAt,
	).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		// 作りかけのusers行はロールバックで捨てる
		if err := tx.Rollback(); err != nil {
			return fmt.Errorf("failed to roll back duplicate sign-in: %w", err)
		}
		owner, err := findIdentityOwner(ctx, r.db, identity.Provider, identity.ProviderUserID)
		if err != nil {
			return err
		}
		if owner == "" {
			return fmt.Errorf("identity %s/%s vanished during sign-in", identity.Provider, identity.ProviderUserID)
		}
		user.ID = owner
		identity.UserID = owner
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sign-up: %w", err)
	}
	identity.UserID = owner
	return nil
}

var _ UserRepository = (*PostgresUserRepo)(nil)
