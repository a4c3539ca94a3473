package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/smartmark/internal/metrics"
	"github.com/hitoshi/smartmark/internal/middleware"
)

// WebRoutes はサーバー描画画面のルーティングを登録するインターフェース。*web.Handlerが満たす。
type WebRoutes interface {
	Routes(r chi.Router)
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 運用
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer
	HTTPMetrics   middleware.HTTPMetrics
	Logger        *slog.Logger

	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// ブックマーク
	BookmarkService BookmarkServiceInterface

	// 変更フィード
	ChangeHub    ChangeSubscriber
	PingInterval time.Duration

	// 画面（nilの場合は登録しない）
	Web WebRoutes
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → Metrics → SecurityHeaders → CORS
//	/api/*: Session → RateLimit(General) [→ RateLimit(Write) → CSRF]
//	画面:    CSRF
//
// 認証ルート（/auth/*）、運用ルート（/health, /metrics）、CSRFトークン取得はセッション検証の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpMetrics := deps.HTTPMetrics
	if httpMetrics == nil {
		httpMetrics = metrics.Nop{}
	}

	r.Use(middleware.NewRecoveryMiddleware(logger, httpMetrics))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(httpMetrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	bookmarkHandler := NewBookmarkHandler(deps.BookmarkService)
	changesHandler := NewChangesHandler(deps.ChangeHub, deps.PingInterval)
	csrf := middleware.NewCSRFMiddleware(deps.CSRFConfig)

	// --- 認証不要のルート ---

	r.Get("/health", Health(deps.HealthChecker))
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// 認証ルート（OAuthフロー）
	r.Route("/auth", func(r chi.Router) {
		r.Get("/google/login", authHandler.Login)
		r.Get("/google/callback", authHandler.Callback)
		r.Post("/logout", authHandler.Logout)
		r.Get("/me", authHandler.Me)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/bookmarks", func(r chi.Router) {
			r.Get("/", bookmarkHandler.ListBookmarks)
			r.Get("/changes", changesHandler.Stream)

			// 書き込みは書き込み専用レート制限とCSRF検証を追加
			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.WriteMiddleware())
				r.Use(csrf)
				r.Post("/", bookmarkHandler.CreateBookmark)
				r.Delete("/{id}", bookmarkHandler.DeleteBookmark)
			})
		})
	})

	// --- 画面 ---
	if deps.Web != nil {
		r.Group(func(r chi.Router) {
			r.Use(csrf)
			deps.Web.Routes(r)
		})
	}

	return r
}
