// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/smartmark/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// CreateWithIdentity はユーザーとidentityを同一トランザクションで作成する。
	// 同じidentityが先に登録されていた場合はuser.IDを既存ユーザーのIDに書き換える。
	CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error
}

// IdentityRepository は外部IdP紐付け情報の永続化インターフェース。
type IdentityRepository interface {
	// FindUserID はIdPのアカウントに紐づくユーザーIDを返す。未登録なら空文字を返す。
	FindUserID(ctx context.Context, provider, subject string) (string, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除し、削除件数を返す。
	DeleteByUserID(ctx context.Context, userID string) (int64, error)
	// DeleteExpired はbefore以前に期限切れとなったセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// BookmarkRepository はブックマークデータの永続化インターフェース。
// 全ての操作はuser_idで絞り込み、他ユーザーの行には触れない。
type BookmarkRepository interface {
	// ListByUser はユーザーのブックマークをcreated_at降順で返す。
	ListByUser(ctx context.Context, userID string) ([]*model.Bookmark, error)

	// FindByID は指定IDのブックマークを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Bookmark, error)

	// Create はブックマークを作成する。IDとCreatedAtはDBが採番し、引数に書き戻す。
	Create(ctx context.Context, bookmark *model.Bookmark) error

	// DeleteByUserAndID はユーザーのブックマークを削除する。
	// 対象が存在しなかった場合はfalseを返す。
	DeleteByUserAndID(ctx context.Context, userID, id string) (bool, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
