// Package web はサーバー描画のログイン画面とブックマーク一覧画面を提供する。
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/smartmark/internal/bookmarklist"
	"github.com/hitoshi/smartmark/internal/gate"
	"github.com/hitoshi/smartmark/internal/middleware"
	"github.com/hitoshi/smartmark/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/live.js
var liveScript []byte

// SessionAuth は画面が必要とする認証サービスの操作。
type SessionAuth interface {
	GetCurrentUser(ctx context.Context, sessionID string) (*model.User, error)
	Logout(ctx context.Context, sessionID string) error
}

// BookmarkService は画面が必要とするブックマーク操作。
type BookmarkService interface {
	List(ctx context.Context, userID string) ([]*model.Bookmark, error)
	Create(ctx context.Context, userID, title, url string) (*model.Bookmark, error)
	Delete(ctx context.Context, userID, bookmarkID string) error
}

// Config は画面ハンドラーの設定。
type Config struct {
	CookieDomain string
	CookieSecure bool
}

// Handler はサーバー描画画面のHTTPハンドラー。
type Handler struct {
	auth      SessionAuth
	bookmarks BookmarkService
	config    Config
	login     *template.Template
	home      *template.Template
}

// homeView はhome.htmlに渡す値。
type homeView struct {
	User      *model.User
	Bookmarks []model.Bookmark
	Count     int
	Empty     bool
	LoadError error
	Alert     *bookmarklist.Alert
	CSRFField string
	CSRFToken string
}

// NewHandler は埋め込みテンプレートを読み込んでHandlerを生成する。
func NewHandler(auth SessionAuth, bookmarks BookmarkService, config Config) (*Handler, error) {
	login, err := template.ParseFS(templateFS, "templates/login.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse login template: %w", err)
	}
	home, err := template.ParseFS(templateFS, "templates/home.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse home template: %w", err)
	}
	return &Handler{
		auth:      auth,
		bookmarks: bookmarks,
		config:    config,
		login:     login,
		home:      home,
	}, nil
}

// Routes は画面のルーティングを登録する。
func (h *Handler) Routes(r chi.Router) {
	r.Get("/login", h.Login)
	r.Get("/", h.Home)
	r.Post("/bookmarks", h.CreateBookmark)
	r.Post("/bookmarks/{id}/delete", h.DeleteBookmark)
	r.Post("/logout", h.Logout)
	r.Get("/static/live.js", h.LiveScript)
}

// Login はログイン画面を描画する。
// GET /login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	h.render(w, h.login, http.StatusOK, map[string]string{
		"LoginURL": "/auth/google/login",
	})
}

// LiveScript は一覧を変更フィードに追従させるスクリプトを返す。
func (h *Handler) LiveScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(liveScript)
}

// Home はゲートを通過したユーザーのブックマーク一覧を描画する。
// GET /
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	decision := h.gateFor(r).Check(r.Context())
	if !decision.Authenticated {
		http.Redirect(w, r, decision.Redirect, http.StatusFound)
		return
	}
	h.renderHome(w, r, decision.User, nil, http.StatusOK)
}

// CreateBookmark はフォームからブックマークを作成する。URLにはスキームを補完する。
// POST /bookmarks
func (h *Handler) CreateBookmark(w http.ResponseWriter, r *http.Request) {
	decision := h.gateFor(r).Check(r.Context())
	if !decision.Authenticated {
		http.Redirect(w, r, decision.Redirect, http.StatusSeeOther)
		return
	}

	ctrl := bookmarklist.New()
	ctrl.Title = r.PostFormValue("title")
	ctrl.URLDraft = r.PostFormValue("url")

	req, ok := ctrl.BeginCreate()
	if !ok {
		alert := ctrl.CompleteCreate(nil, errors.New(model.NewInvalidBookmarkError("タイトルまたはURL").Message))
		h.renderHome(w, r, decision.User, alert, http.StatusBadRequest)
		return
	}

	record, err := h.bookmarks.Create(r.Context(), decision.User.ID, req.Title, req.URL)
	if err != nil {
		h.renderHome(w, r, decision.User, ctrl.CompleteCreate(nil, userFacing(err)), http.StatusOK)
		return
	}

	slog.Debug("bookmark created from web form", slog.String("bookmark_id", record.ID))
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// DeleteBookmark はブックマークを削除する。
// POST /bookmarks/{id}/delete
func (h *Handler) DeleteBookmark(w http.ResponseWriter, r *http.Request) {
	decision := h.gateFor(r).Check(r.Context())
	if !decision.Authenticated {
		http.Redirect(w, r, decision.Redirect, http.StatusSeeOther)
		return
	}

	ctrl := bookmarklist.New()
	req := ctrl.BeginDelete(chi.URLParam(r, "id"))
	if err := h.bookmarks.Delete(r.Context(), decision.User.ID, req.ID); err != nil {
		h.renderHome(w, r, decision.User, ctrl.CompleteDelete(req.ID, userFacing(err)), http.StatusOK)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// Logout はセッションを終了し、結果に関わらずログイン画面へ遷移する。
// POST /logout
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	destination := h.gateFor(r).SignOut(r.Context())

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, destination, http.StatusSeeOther)
}

// renderHome は一覧を取得して描画する。取得失敗は状態行として表示し、再試行しない。
func (h *Handler) renderHome(w http.ResponseWriter, r *http.Request, user *model.User, alert *bookmarklist.Alert, status int) {
	ctrl := bookmarklist.New()
	ctrl.Loading = false

	records, err := h.bookmarks.List(r.Context(), user.ID)
	if err != nil {
		slog.Error("failed to list bookmarks for web view",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
	ctrl.ApplyInitialLoad(derefAll(records), err)

	h.render(w, h.home, status, homeView{
		User:      user,
		Bookmarks: ctrl.Bookmarks(),
		Count:     ctrl.Count(),
		Empty:     ctrl.Empty(),
		LoadError: ctrl.LoadError,
		Alert:     alert,
		CSRFField: middleware.CSRFFormField,
		CSRFToken: csrfToken(r),
	})
}

func (h *Handler) render(w http.ResponseWriter, tmpl *template.Template, status int, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := tmpl.Execute(w, data); err != nil {
		slog.Error("failed to render template",
			slog.String("template", tmpl.Name()),
			slog.String("error", err.Error()),
		)
	}
}

// gateFor はリクエストのセッションに紐づくゲートを返す。
func (h *Handler) gateFor(r *http.Request) *gate.Gate {
	return gate.New(&sessionBackend{
		auth:      h.auth,
		sessionID: middleware.SessionIDFromRequest(r),
	}, gate.DefaultLoginDestination)
}

// csrfToken は描画に使うCSRFトークンを返す。
// 状態変更リクエストでは検証済みのフォーム値をそのまま使う。
func csrfToken(r *http.Request) string {
	if token := middleware.CSRFTokenFromContext(r.Context()); token != "" {
		return token
	}
	return r.PostFormValue(middleware.CSRFFormField)
}

// userFacing はサービスエラーを画面表示用のメッセージを持つエラーに変換する。
// APIError以外は詳細をログのみに残す。
func userFacing(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return errors.New(apiErr.Message)
	}
	slog.Error("web write failed", slog.String("error", err.Error()))
	return errors.New(model.NewInternalError().Message)
}

func derefAll(records []*model.Bookmark) []model.Bookmark {
	out := make([]model.Bookmark, 0, len(records))
	for _, b := range records {
		if b != nil {
			out = append(out, *b)
		}
	}
	return out
}

// sessionBackend はセッションストアを本人確認元とするゲートのバックエンド。
type sessionBackend struct {
	auth      SessionAuth
	sessionID string
}

func (b *sessionBackend) CurrentUser(ctx context.Context) (*model.User, error) {
	if b.sessionID == "" {
		return nil, nil
	}
	return b.auth.GetCurrentUser(ctx, b.sessionID)
}

func (b *sessionBackend) SignOut(ctx context.Context) error {
	if b.sessionID == "" {
		return nil
	}
	return b.auth.Logout(ctx, b.sessionID)
}

var _ gate.Backend = (*sessionBackend)(nil)
