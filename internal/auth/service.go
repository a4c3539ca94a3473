// Package auth はOAuth認証フロー、セッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/smartmark/internal/model"
	"github.com/hitoshi/smartmark/internal/repository"
)

// SessionQueryParam はループバック戻り先に付与するセッションIDのクエリパラメータ名。
const SessionQueryParam = "session"

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Provider       string // "google", "github" 等
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
// 将来的に複数IdP（Google, GitHub等）に対応するための抽象化。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int    // セッション有効期間（秒）
	BaseURL       string // ログイン後の既定の戻り先、かつ同一オリジン判定の基準
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth       OAuthProvider
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	oauth OAuthProvider,
	userRepo repository.UserRepository,
	identRepo repository.IdentityRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	return &Service{
		oauth:       oauth,
		userRepo:    userRepo,
		identRepo:   identRepo,
		sessionRepo: sessionRepo,
		config:      config,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback はOAuthコールバックを処理し、セッションを発行する。
// 未登録ユーザーの場合はusersレコードとidentitiesレコードを同時に自動作成する。
// 登録済みユーザーの場合はidentitiesテーブルで既存ユーザーを特定しログインする。
func (s *Service) HandleCallback(ctx context.Context, code string) (*model.Session, error) {
	// 1. 認可コードをトークンに交換し、ユーザー情報を取得
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 2. identitiesテーブルで既存ユーザーを検索
	userID, err := s.identRepo.FindUserID(ctx, userInfo.Provider, userInfo.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}

	if userID != "" {
		slog.Info("existing user logged in",
			slog.String("user_id", userID),
			slog.String("provider", userInfo.Provider),
		)
	} else {
		// 3. 新規ユーザー: usersレコードとidentitiesレコードを同時に作成
		now := time.Now()
		newUser := &model.User{
			ID:        uuid.New().String(),
			Email:     userInfo.Email,
			Name:      userInfo.Name,
			CreatedAt: now,
			UpdatedAt: now,
		}
		newIdentity := &model.Identity{
			ID:             uuid.New().String(),
			UserID:         newUser.ID,
			Provider:       userInfo.Provider,
			ProviderUserID: userInfo.ProviderUserID,
			CreatedAt:      now,
		}
		proposedID := newUser.ID

		if err := s.userRepo.CreateWithIdentity(ctx, newUser, newIdentity); err != nil {
			return nil, fmt.Errorf("failed to create user and identity: %w", err)
		}

		// 並行した初回サインインに負けた場合は既存ユーザーのIDが書き戻される
		userID = newUser.ID
		if userID == proposedID {
			slog.Info("new user created",
				slog.String("user_id", userID),
				slog.String("email", userInfo.Email),
				slog.String("provider", userInfo.Provider),
			)
		} else {
			slog.Info("concurrent first sign-in joined existing user",
				slog.String("user_id", userID),
				slog.String("provider", userInfo.Provider),
			)
		}
	}

	// 4. セッションを発行
	session, err := s.createSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// LogoutEverywhere はセッションの持ち主の全セッションを破棄し、破棄した件数を返す。
// 既に無効なセッションの場合は何もしない。
func (s *Service) LogoutEverywhere(ctx context.Context, sessionID string) (int64, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("session ID is required")
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return 0, nil
	}

	n, err := s.sessionRepo.DeleteByUserID(ctx, session.UserID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user sessions: %w", err)
	}

	slog.Info("user logged out everywhere",
		slog.String("user_id", session.UserID),
		slog.Int64("sessions", n),
	)
	return n, nil
}

// GetCurrentUser はセッションから現在のユーザーを取得する。
func (s *Service) GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, model.NewUnauthorizedError()
	}

	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, model.NewUnauthorizedError()
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}

	return user, nil
}

// CleanupExpiredSessions は期限切れセッションを削除し、削除件数を返す。
func (s *Service) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	n, err := s.sessionRepo.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired sessions: %w", err)
	}
	return n, nil
}

// ResolveReturnTo はログイン後の戻り先を検証し、正規化した値を返す。
// 空の場合はBaseURLを返す。BaseURLと同一オリジン、またはhttpのループバックアドレスのみ許可する。
func (s *Service) ResolveReturnTo(returnTo string) (string, error) {
	if returnTo == "" {
		return s.config.BaseURL + "/", nil
	}

	target, err := url.Parse(returnTo)
	if err != nil || target.Host == "" {
		return "", model.NewInvalidReturnToError(returnTo)
	}

	if sameOrigin(target, s.config.BaseURL) {
		return target.String(), nil
	}

	if IsLoopback(target) {
		return target.String(), nil
	}

	return "", model.NewInvalidReturnToError(returnTo)
}

// CompleteReturnURL はOAuth完了後のリダイレクト先を組み立てる。
// ループバック戻り先の場合のみ、CookieのないCLIへセッションIDをクエリで渡す。
func (s *Service) CompleteReturnURL(returnTo, sessionID string) string {
	if !IsCLIReturn(returnTo, s.config.BaseURL) {
		return returnTo
	}
	target, _ := url.Parse(returnTo)
	q := target.Query()
	q.Set(SessionQueryParam, sessionID)
	target.RawQuery = q.Encode()
	return target.String()
}

// IsCLIReturn は戻り先がCLIの待ち受けるループバックアドレスかどうかを判定する。
// BaseURLと同一オリジンの場合はブラウザの戻り先として扱う。
func IsCLIReturn(returnTo, baseURL string) bool {
	target, err := url.Parse(returnTo)
	if err != nil || !IsLoopback(target) {
		return false
	}
	return !sameOrigin(target, baseURL)
}

func sameOrigin(target *url.URL, baseURL string) bool {
	base, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(target.Scheme, base.Scheme) && strings.EqualFold(target.Host, base.Host)
}

// IsLoopback はURLがhttpスキームのループバックアドレスを指すかどうかを判定する。
func IsLoopback(u *url.URL) bool {
	if u == nil || u.Scheme != "http" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: time.Now().Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: time.Now(),
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
