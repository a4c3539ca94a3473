package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/smartmark/internal/metrics"
	"github.com/hitoshi/smartmark/internal/middleware"
	"github.com/hitoshi/smartmark/internal/model"
	"github.com/hitoshi/smartmark/internal/realtime"
)

// mockSessionFinderForRouter はルーターテスト用のセッション検索モック。
type mockSessionFinderForRouter struct {
	sessions map[string]*model.Session
}

func (m *mockSessionFinderForRouter) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, nil
}

type stubWebRoutes struct{}

func (stubWebRoutes) Routes(r chi.Router) {
	r.Get("/login", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("login page"))
	})
	r.Post("/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusSeeOther)
	})
}

const routerTestSessionID = "router-session"

// createTestRouter はテスト用の依存関係でルーターを生成する。
func createTestRouter(t *testing.T, mutate func(*RouterDeps)) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(120, 30))
	t.Cleanup(rl.Stop)

	deps := &RouterDeps{
		SessionFinder: &mockSessionFinderForRouter{sessions: map[string]*model.Session{
			routerTestSessionID: {
				ID:        routerTestSessionID,
				UserID:    "user-1",
				ExpiresAt: time.Now().Add(time.Hour),
			},
		}},
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		AuthService: &mockAuthService{
			getLoginURLFn: func(state string) string {
				return "https://accounts.google.com/o/oauth2/auth?state=" + state
			},
		},
		AuthConfig: testAuthConfig(),
		BookmarkService: &mockBookmarkService{
			createFn: func(ctx context.Context, userID, title, url string) (*model.Bookmark, error) {
				return &model.Bookmark{ID: "b-1", UserID: userID, Title: title, URL: url, CreatedAt: testCreatedAt}, nil
			},
		},
		ChangeHub:    realtime.NewHub(4, nil),
		PingInterval: time.Hour,
		Web:          stubWebRoutes{},
	}
	if mutate != nil {
		mutate(deps)
	}
	return NewRouter(deps)
}

func withSessionCookie(req *http.Request) *http.Request {
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: routerTestSessionID})
	return req
}

func TestRouter_Health(t *testing.T) {
	router := createTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	router := createTestRouter(t, func(d *RouterDeps) {
		d.Gatherer = reg
		d.HTTPMetrics = collector
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "smartmark_http_status_total") {
		t.Errorf("metrics output does not contain smartmark_http_status_total:\n%s", w.Body.String())
	}
}

func TestRouter_MetricsNotRegisteredWithoutGatherer(t *testing.T) {
	router := createTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestRouter_CSRFTokenEndpoint_NoAuthRequired(t *testing.T) {
	router := createTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["token"] == "" {
		t.Error("expected non-empty token")
	}
}

func TestRouter_AuthLogin_Redirects(t *testing.T) {
	router := createTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/google/login", nil))

	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTemporaryRedirect)
	}
	if !strings.HasPrefix(w.Header().Get("Location"), "https://accounts.google.com/") {
		t.Errorf("Location = %q", w.Header().Get("Location"))
	}
}

func TestRouter_AuthMe_WithoutSession_Returns401(t *testing.T) {
	router := createTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRouter_AuthLogout_NoCSRFRequired(t *testing.T) {
	router := createTestRouter(t, nil)

	req := withSessionCookie(httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusSeeOther {
		t.Errorf("status = %d, want %d", w.Code, http.StatusSeeOther)
	}
}

func TestRouter_Bookmarks_RequiresSession(t *testing.T) {
	router := createTestRouter(t, nil)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/bookmarks"},
		{http.MethodPost, "/api/bookmarks"},
		{http.MethodDelete, "/api/bookmarks/b-1"},
		{http.MethodGet, "/api/bookmarks/changes"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))

			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}
}

func TestRouter_ListBookmarks_WithSession(t *testing.T) {
	router := createTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, withSessionCookie(httptest.NewRequest(http.MethodGet, "/api/bookmarks", nil)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestRouter_CreateBookmark_CSRF(t *testing.T) {
	body := `{"title":"Go","url":"https://go.dev"}`

	tests := []struct {
		name       string
		cookie     string
		header     string
		wantStatus int
	}{
		{"トークンなし", "", "", http.StatusForbidden},
		{"ヘッダーなし", "tok", "", http.StatusForbidden},
		{"不一致", "tok", "other", http.StatusForbidden},
		{"一致", "tok", "tok", http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := createTestRouter(t, nil)

			req := withSessionCookie(httptest.NewRequest(http.MethodPost, "/api/bookmarks", strings.NewReader(body)))
			req.Header.Set("Content-Type", "application/json")
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: "csrf_token", Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set("X-CSRF-Token", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestRouter_SessionCheckedBeforeCSRF(t *testing.T) {
	router := createTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/bookmarks", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestRouter_BearerClient_BypassesCSRF(t *testing.T) {
	var deletedID string
	router := createTestRouter(t, func(d *RouterDeps) {
		d.BookmarkService = &mockBookmarkService{
			deleteFn: func(ctx context.Context, userID, bookmarkID string) error {
				deletedID = bookmarkID
				return nil
			},
		}
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/bookmarks/b-9", nil)
	req.Header.Set("Authorization", "Bearer "+routerTestSessionID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d; body = %s", w.Code, http.StatusNoContent, w.Body.String())
	}
	if deletedID != "b-9" {
		t.Errorf("deleted id = %q, want b-9", deletedID)
	}
}

func TestRouter_DeleteBookmark_NotFound(t *testing.T) {
	router := createTestRouter(t, func(d *RouterDeps) {
		d.BookmarkService = &mockBookmarkService{
			deleteFn: func(ctx context.Context, userID, bookmarkID string) error {
				return model.NewBookmarkNotFoundError(bookmarkID)
			},
		}
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/bookmarks/missing", nil)
	req.Header.Set("Authorization", "Bearer "+routerTestSessionID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeBookmarkNotFound {
		t.Errorf("code = %q, want %q", got, model.ErrCodeBookmarkNotFound)
	}
}

func TestRouter_ListBookmarks_ServiceError(t *testing.T) {
	router := createTestRouter(t, func(d *RouterDeps) {
		d.BookmarkService = &mockBookmarkService{
			listFn: func(ctx context.Context, userID string) ([]*model.Bookmark, error) {
				return nil, errors.New("db down")
			},
		}
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, withSessionCookie(httptest.NewRequest(http.MethodGet, "/api/bookmarks", nil)))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestRouter_WebRoutes(t *testing.T) {
	router := createTestRouter(t, nil)

	t.Run("GETはCSRF Cookieを発行する", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/login", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		resp := w.Result()
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "login page" {
			t.Errorf("body = %q", body)
		}
		if findCookie(resp, "csrf_token") == nil {
			t.Error("expected csrf_token cookie")
		}
	})

	t.Run("POSTはCSRF検証を受ける", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, withSessionCookie(httptest.NewRequest(http.MethodPost, "/logout", nil)))

		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
		}
	})
}

func TestRouter_WebRoutesOptional(t *testing.T) {
	router := createTestRouter(t, func(d *RouterDeps) { d.Web = nil })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/login", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	router := createTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/bookmarks", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q, want http://localhost:3000", got)
	}
}
