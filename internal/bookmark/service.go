// Package bookmark はブックマーク管理のドメインロジックを提供する。
package bookmark

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/smartmark/internal/metrics"
	"github.com/hitoshi/smartmark/internal/model"
	"github.com/hitoshi/smartmark/internal/repository"
)

// Publisher は書き込み成功後に変更イベントを配信するインターフェース。
// Redisブローカー使用時のみ設定する。Postgresブローカーではトリガーが通知するためnilとする。
type Publisher interface {
	Publish(ctx context.Context, event model.ChangeEvent) error
}

// Service はブックマーク管理のサービス層。
type Service struct {
	repo      repository.BookmarkRepository
	publisher Publisher
	metrics   metrics.MetricsCollector
}

// NewService はServiceの新しいインスタンスを生成する。
// publisherはnil、metricsCollectorはnilの場合に記録しない。
func NewService(
	repo repository.BookmarkRepository,
	publisher Publisher,
	metricsCollector metrics.MetricsCollector,
) *Service {
	if metricsCollector == nil {
		metricsCollector = metrics.Nop{}
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		metrics:   metricsCollector,
	}
}

// List はユーザーのブックマークをcreated_at降順で返す。
func (s *Service) List(ctx context.Context, userID string) ([]*model.Bookmark, error) {
	bookmarks, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ブックマーク一覧の取得に失敗しました: %w", err)
	}
	return bookmarks, nil
}

// Create はブックマークを作成し、DBが採番したIDと作成日時を含むレコードを返す。
// タイトルまたはURLが空、またはURLがhttpで始まらない場合はINVALID_BOOKMARKエラーを返す。
// 正規化は各クライアントが送信前に行う。
func (s *Service) Create(ctx context.Context, userID, title, url string) (*model.Bookmark, error) {
	// 1. 入力検証
	if strings.TrimSpace(title) == "" {
		return nil, model.NewInvalidBookmarkError("タイトル")
	}
	if strings.TrimSpace(url) == "" {
		return nil, model.NewInvalidBookmarkError("URL")
	}
	if !strings.HasPrefix(url, "http") {
		return nil, model.NewInvalidBookmarkURLError()
	}

	// 2. 永続化
	b := &model.Bookmark{
		UserID: userID,
		Title:  title,
		URL:    url,
	}
	if err := s.repo.Create(ctx, b); err != nil {
		s.metrics.RecordWriteFailure("create")
		return nil, fmt.Errorf("ブックマークの作成に失敗しました: %w", err)
	}
	s.metrics.RecordBookmarkCreated()

	slog.Info("bookmark created",
		slog.String("user_id", userID),
		slog.String("bookmark_id", b.ID),
	)

	// 3. 変更イベントを配信（失敗しても書き込みは成功扱い）
	s.publish(ctx, model.ChangeEvent{Kind: model.ChangeInsert, UserID: userID, Record: b})

	return b, nil
}

// Delete はユーザーのブックマークを削除する。
// 存在しない、または他ユーザーのブックマークの場合はBOOKMARK_NOT_FOUNDエラーを返す。
func (s *Service) Delete(ctx context.Context, userID, bookmarkID string) error {
	// UUID形式でないIDはDBに問い合わせずに未検出とする
	if _, err := uuid.Parse(bookmarkID); err != nil {
		return model.NewBookmarkNotFoundError(bookmarkID)
	}

	found, err := s.repo.DeleteByUserAndID(ctx, userID, bookmarkID)
	if err != nil {
		s.metrics.RecordWriteFailure("delete")
		return fmt.Errorf("ブックマークの削除に失敗しました: %w", err)
	}
	if !found {
		return model.NewBookmarkNotFoundError(bookmarkID)
	}
	s.metrics.RecordBookmarkDeleted()

	slog.Info("bookmark deleted",
		slog.String("user_id", userID),
		slog.String("bookmark_id", bookmarkID),
	)

	s.publish(ctx, model.ChangeEvent{Kind: model.ChangeDelete, UserID: userID, ID: bookmarkID})

	return nil
}

func (s *Service) publish(ctx context.Context, event model.ChangeEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		slog.Warn("failed to publish change event",
			slog.String("type", string(event.Kind)),
			slog.String("bookmark_id", event.BookmarkID()),
			slog.String("error", err.Error()),
		)
	}
}
