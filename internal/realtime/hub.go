// Package realtime はブックマーク変更フィードの購読管理とイベントソースを提供する。
package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/smartmark/internal/metrics"
	"github.com/hitoshi/smartmark/internal/model"
)

// DefaultBufferSize は購読者ごとのイベントバッファサイズ。
const DefaultBufferSize = 32

// Broker は変更イベントの供給元。
// Runはctxがキャンセルされるまでブロックし、受信したイベントをsinkに渡す。
type Broker interface {
	Run(ctx context.Context, sink func(model.ChangeEvent)) error
}

// Hub はユーザーごとの購読者に変更イベントを配信する。
// 同一ユーザーの全購読者が同じイベントを受け取り、他ユーザーのイベントは届かない。
type Hub struct {
	bufferSize int
	metrics    metrics.MetricsCollector

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	count  int
	closed bool
}

// NewHub はHubを生成する。metricsCollectorがnilの場合は記録しない。
func NewHub(bufferSize int, metricsCollector metrics.MetricsCollector) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}
	return &Hub{
		bufferSize: bufferSize,
		metrics:    metricsCollector,
		subs:       make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription は1つの変更フィード接続を表す。
type Subscription struct {
	userID string
	events chan model.ChangeEvent
	hub    *Hub
	once   sync.Once
}

// Subscribe は指定ユーザーの変更フィードを購読する。
// 呼び出し側は不要になった時点でCloseを呼ぶ。
func (h *Hub) Subscribe(userID string) *Subscription {
	sub := &Subscription{
		userID: userID,
		events: make(chan model.ChangeEvent, h.bufferSize),
		hub:    h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.events)
		return sub
	}
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*Subscription]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	h.count++
	count := h.count
	h.mu.Unlock()

	h.metrics.SetFeedSubscribers(count)
	slog.Debug("feed subscriber added", slog.String("user_id", userID), slog.Int("subscribers", count))
	return sub
}

// Events はイベントを受信するチャネルを返す。Close後にクローズされる。
func (s *Subscription) Events() <-chan model.ChangeEvent {
	return s.events
}

// Close は購読を解除する。複数回呼んでも安全。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.userID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			h.count--
			close(sub.events)
		}
		if len(set) == 0 {
			delete(h.subs, sub.userID)
		}
	}
	count := h.count
	h.mu.Unlock()

	h.metrics.SetFeedSubscribers(count)
	slog.Debug("feed subscriber removed", slog.String("user_id", sub.userID), slog.Int("subscribers", count))
}

// Dispatch はイベントを対象ユーザーの全購読者へ配信する。
// バッファが埋まっている購読者にはイベントを破棄し、ブロックしない。
func (h *Hub) Dispatch(event model.ChangeEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[event.UserID] {
		select {
		case sub.events <- event:
			h.metrics.RecordEventDelivered(string(event.Kind))
		default:
			h.metrics.RecordEventDropped()
			slog.Warn("dropping change event for slow subscriber",
				slog.String("user_id", event.UserID),
				slog.String("type", string(event.Kind)),
				slog.String("bookmark_id", event.BookmarkID()),
			)
		}
	}
}

// Close は全購読者のチャネルを閉じ、以降の購読を即座に終了させる。
// サーバー停止時に開いているSSE接続を終わらせるために呼ぶ。
func (h *Hub) Close() {
	h.mu.Lock()
	closed := 0
	if !h.closed {
		h.closed = true
		for userID, set := range h.subs {
			for sub := range set {
				close(sub.events)
				closed++
			}
			delete(h.subs, userID)
		}
		h.count = 0
	}
	h.mu.Unlock()

	h.metrics.SetFeedSubscribers(0)
	slog.Info("change feed hub closed", slog.Int("closed_subscribers", closed))
}

// SubscriberCount は現在の購読者数を返す。
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Run はbrokerからのイベントをctxがキャンセルされるまで配信する。
func (h *Hub) Run(ctx context.Context, broker Broker) error {
	return broker.Run(ctx, h.Dispatch)
}
