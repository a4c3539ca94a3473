package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"
)

// NewRecoveryMiddleware はハンドラーのpanicを統一フォーマットの500応答に変える。
// panicした要求は内側のアクセスログと計測に届かないため、
// ここでhttp_requestを記録し500を計上する。
// http.ErrAbortHandlerは接続を切るためそのまま再送出する。
func NewRecoveryMiddleware(logger *slog.Logger, m HTTPMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			ctx, slot := withRequestUser(r.Context())

			defer func() {
				v := recover()
				if v == nil {
					return
				}
				if v == http.ErrAbortHandler {
					panic(v)
				}

				elapsed := time.Since(start)
				attrs := []slog.Attr{
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", http.StatusInternalServerError),
					slog.Float64("duration_ms", float64(elapsed.Nanoseconds())/float64(time.Millisecond)),
					slog.Any("panic", v),
					slog.String("stack", string(debug.Stack())),
				}
				if slot.id != "" {
					attrs = append(attrs, slog.String("user_id", slot.id))
				}
				logger.LogAttrs(ctx, slog.LevelError, "http_request", attrs...)

				// 既にヘッダーを送っていれば本文を足さない
				if !rec.written {
					WriteInternalServerError(rec)
				}
				m.RecordHTTPStatus(http.StatusInternalServerError)
				m.RecordRequestLatency(elapsed)
			}()

			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}
