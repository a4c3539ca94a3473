// Package gate はブックマーク画面の前段で本人確認を行うセッションゲートを提供する。
package gate

import (
	"context"
	"log/slog"

	"github.com/hitoshi/smartmark/internal/model"
)

// DefaultLoginDestination は未認証時とサインアウト後の遷移先。
const DefaultLoginDestination = "/login"

// IdentitySource は現在のユーザーを問い合わせる先。
// 未認証の場合は (nil, nil) もしくはエラーを返す。
type IdentitySource interface {
	CurrentUser(ctx context.Context) (*model.User, error)
}

// SessionTerminator はバックエンドのセッションを終了させる。
type SessionTerminator interface {
	SignOut(ctx context.Context) error
}

// Backend はゲートが必要とするバックエンド操作をまとめたインターフェース。
type Backend interface {
	IdentitySource
	SessionTerminator
}

// Decision は本人確認の結果。
// Authenticatedがfalseの場合、画面はRedirectへ遷移し一覧を描画しない。
type Decision struct {
	Authenticated bool
	User          *model.User
	Redirect      string
}

// Gate はセッションゲート。再試行やタイムアウトは持たない。
type Gate struct {
	backend          Backend
	loginDestination string
}

// New はGateを生成する。loginDestinationが空の場合は DefaultLoginDestination を使う。
func New(backend Backend, loginDestination string) *Gate {
	if loginDestination == "" {
		loginDestination = DefaultLoginDestination
	}
	return &Gate{
		backend:          backend,
		loginDestination: loginDestination,
	}
}

// Check は現在のユーザーを問い合わせる。
// 問い合わせの失敗はユーザー不在と同じに扱う。
func (g *Gate) Check(ctx context.Context) Decision {
	user, err := g.backend.CurrentUser(ctx)
	if err != nil {
		slog.Debug("identity check failed", slog.String("error", err.Error()))
		return Decision{Redirect: g.loginDestination}
	}
	if user == nil {
		return Decision{Redirect: g.loginDestination}
	}
	return Decision{Authenticated: true, User: user}
}

// SignOut はバックエンドにセッション終了を依頼し、結果に関わらずログイン画面の遷移先を返す。
func (g *Gate) SignOut(ctx context.Context) string {
	if err := g.backend.SignOut(ctx); err != nil {
		slog.Warn("sign out failed", slog.String("error", err.Error()))
	}
	return g.loginDestination
}

// LoginDestination はログイン画面の遷移先を返す。
func (g *Gate) LoginDestination() string {
	return g.loginDestination
}
