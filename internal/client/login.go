package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"
)

// sessionQueryParam はサーバーがループバック戻り先に付与するセッションIDのクエリ名。
const sessionQueryParam = "session"

const loginDonePage = `<!doctype html><html><body><p>smartmark: ログインしました。このウィンドウを閉じてください。</p></body></html>`

// LoopbackLogin はブラウザでのGoogleログインを行い、セッショントークンを返す。
//
// 127.0.0.1の空きポートで待ち受け、そのアドレスをreturn_toとしたログインURLを
// showに渡す。サーバーが ?session=<id> 付きでリダイレクトしてきた時点で完了する。
// ctxがキャンセルされると待ち受けを中止する。
func LoopbackLogin(ctx context.Context, serverURL string, show func(loginURL string) error) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to listen on loopback: %w", err)
	}

	returnTo := fmt.Sprintf("http://%s/callback", ln.Addr().String())
	loginURL := serverURL + "/auth/google/login?return_to=" + url.QueryEscape(returnTo)

	tokens := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get(sessionQueryParam)
		if token == "" {
			http.Error(w, "missing session", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, loginDonePage)
		select {
		case tokens <- token:
		default:
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("loopback listener failed", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := show(loginURL); err != nil {
		return "", err
	}

	select {
	case token := <-tokens:
		return token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
