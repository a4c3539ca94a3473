package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/smartmark/internal/middleware"
	"github.com/hitoshi/smartmark/internal/model"
	"github.com/hitoshi/smartmark/internal/realtime"
)

// DefaultPingInterval は変更フィードのキープアライブ間隔の既定値。
const DefaultPingInterval = 25 * time.Second

// ChangeSubscriber は変更フィードハンドラーが必要とする購読インターフェース。
type ChangeSubscriber interface {
	Subscribe(userID string) *realtime.Subscription
}

// ChangesHandler はブックマーク変更フィードをServer-Sent Eventsで配信する。
type ChangesHandler struct {
	hub          ChangeSubscriber
	pingInterval time.Duration
}

// deleteEventData はdeleteイベントのdata部。
type deleteEventData struct {
	ID string `json:"id"`
}

// NewChangesHandler はChangesHandlerを生成する。pingIntervalが0以下の場合は既定値を使う。
func NewChangesHandler(hub ChangeSubscriber, pingInterval time.Duration) *ChangesHandler {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return &ChangesHandler{
		hub:          hub,
		pingInterval: pingInterval,
	}
}

// Stream はログインユーザーの変更イベントを接続が閉じられるまで送り続ける。
// GET /api/bookmarks/changes
func (h *ChangesHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	// サーバー全体のWriteTimeoutをこの接続だけ解除する
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Warn("failed to clear write deadline", slog.String("error", err.Error()))
	}

	sub := h.hub.Subscribe(userID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Error("streaming not supported", slog.String("error", err.Error()))
		return
	}

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeChangeEvent(w, ev); err != nil {
				slog.Debug("change feed write failed",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// writeChangeEvent はイベント1件をSSEフレームとして書き込む。
func writeChangeEvent(w http.ResponseWriter, ev model.ChangeEvent) error {
	var data any
	switch ev.Kind {
	case model.ChangeInsert:
		if ev.Record == nil {
			return nil
		}
		data = toBookmarkResponse(ev.Record)
	case model.ChangeDelete:
		data = deleteEventData{ID: ev.ID}
	default:
		return nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
	return err
}
