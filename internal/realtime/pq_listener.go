package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/smartmark/internal/model"
)

// NotifyChannel はbookmarksトリガーが通知するチャネル名。
const NotifyChannel = "bookmark_changes"

// BookmarkFinder はinsert通知の行本体を読み直すためのインターフェース。
// repository.BookmarkRepositoryの部分集合として定義する。
type BookmarkFinder interface {
	FindByID(ctx context.Context, id string) (*model.Bookmark, error)
}

// notifyPayload はトリガーが送るJSONペイロード。
type notifyPayload struct {
	Type   model.ChangeKind `json:"type"`
	ID     string           `json:"id"`
	UserID string           `json:"user_id"`
}

// PGListener はPostgreSQLのLISTEN/NOTIFYを変更イベントソースとするBroker。
type PGListener struct {
	databaseURL          string
	finder               BookmarkFinder
	minReconnectInterval time.Duration
	maxReconnectInterval time.Duration
	pingInterval         time.Duration
}

// NewPGListener はPGListenerを生成する。
func NewPGListener(databaseURL string, finder BookmarkFinder) *PGListener {
	return &PGListener{
		databaseURL:          databaseURL,
		finder:               finder,
		minReconnectInterval: 10 * time.Second,
		maxReconnectInterval: time.Minute,
		pingInterval:         90 * time.Second,
	}
}

// Run はbookmark_changesをLISTENし、ctxがキャンセルされるまで通知をsinkへ渡す。
func (l *PGListener) Run(ctx context.Context, sink func(model.ChangeEvent)) error {
	listener := pq.NewListener(l.databaseURL, l.minReconnectInterval, l.maxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				slog.Warn("change feed listener event",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		},
	)
	defer listener.Close()

	if err := listener.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	slog.Info("change feed listener started", slog.String("channel", NotifyChannel))

	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("change feed listener stopped")
			return nil
		case n := <-listener.Notify:
			// 再接続直後はnilが届く。切断中の通知は失われる。
			if n == nil {
				slog.Warn("change feed listener reconnected")
				continue
			}
			l.handle(ctx, n.Extra, sink)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				slog.Warn("change feed listener ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

// handle は通知ペイロード1件を変更イベントに変換してsinkへ渡す。
func (l *PGListener) handle(ctx context.Context, payload string, sink func(model.ChangeEvent)) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		slog.Warn("invalid change notification", slog.String("payload", payload), slog.String("error", err.Error()))
		return
	}

	switch p.Type {
	case model.ChangeInsert:
		b, err := l.finder.FindByID(ctx, p.ID)
		if err != nil {
			slog.Error("failed to load inserted bookmark",
				slog.String("bookmark_id", p.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		// 読み直す前に削除された行はdelete通知が続くので捨てる
		if b == nil {
			return
		}
		sink(model.ChangeEvent{Kind: model.ChangeInsert, UserID: p.UserID, Record: b})
	case model.ChangeDelete:
		sink(model.ChangeEvent{Kind: model.ChangeDelete, UserID: p.UserID, ID: p.ID})
	default:
		slog.Warn("unknown change notification type", slog.String("type", string(p.Type)))
	}
}

// compile-time interface check
var _ Broker = (*PGListener)(nil)
