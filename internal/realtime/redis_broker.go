package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/smartmark/internal/model"
)

// RedisChannel は変更イベントを配信するRedis Pub/Subチャネル名。
const RedisChannel = "smartmark:bookmark_changes"

// RedisBroker はRedis Pub/Subを使う変更イベントのBroker兼Publisher。
// 複数のサーバープロセス間でイベントを共有する。
type RedisBroker struct {
	client  *redis.Client
	channel string
}

// NewRedisBroker はRedisBrokerを生成する。
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client, channel: RedisChannel}
}

// NewRedisClient はREDIS_URL形式の接続文字列からクライアントを生成する。
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Publish は変更イベントをチャネルへ送信する。
func (b *RedisBroker) Publish(ctx context.Context, event model.ChangeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Run はチャネルを購読し、ctxがキャンセルされるまで受信したイベントをsinkへ渡す。
func (b *RedisBroker) Run(ctx context.Context, sink func(model.ChangeEvent)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// 購読確立を待つ
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", b.channel, err)
	}
	slog.Info("change feed subscriber started", slog.String("channel", b.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			slog.Info("change feed subscriber stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			event, err := decodeEvent(msg.Payload)
			if err != nil {
				slog.Warn("invalid change event", slog.String("error", err.Error()))
				continue
			}
			sink(event)
		}
	}
}

// decodeEvent はPub/Subペイロードを変更イベントに変換する。
func decodeEvent(payload string) (model.ChangeEvent, error) {
	var event model.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("failed to decode change event: %w", err)
	}
	switch event.Kind {
	case model.ChangeInsert:
		if event.Record == nil {
			return model.ChangeEvent{}, fmt.Errorf("insert event without record")
		}
	case model.ChangeDelete:
		if event.ID == "" {
			return model.ChangeEvent{}, fmt.Errorf("delete event without id")
		}
	default:
		return model.ChangeEvent{}, fmt.Errorf("unknown change event type: %q", event.Kind)
	}
	if event.UserID == "" {
		return model.ChangeEvent{}, fmt.Errorf("change event without user_id")
	}
	return event, nil
}

// compile-time interface check
var _ Broker = (*RedisBroker)(nil)
