package bookmark

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/smartmark/internal/model"
	"github.com/hitoshi/smartmark/internal/repository"
)

// --- モック定義 ---

type mockBookmarkRepo struct {
	listByUserFn        func(ctx context.Context, userID string) ([]*model.Bookmark, error)
	findByIDFn          func(ctx context.Context, id string) (*model.Bookmark, error)
	createFn            func(ctx context.Context, b *model.Bookmark) error
	deleteByUserAndIDFn func(ctx context.Context, userID, id string) (bool, error)
}

func (m *mockBookmarkRepo) ListByUser(ctx context.Context, userID string) ([]*model.Bookmark, error) {
	if m.listByUserFn != nil {
		return m.listByUserFn(ctx, userID)
	}
	return []*model.Bookmark{}, nil
}

func (m *mockBookmarkRepo) FindByID(ctx context.Context, id string) (*model.Bookmark, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockBookmarkRepo) Create(ctx context.Context, b *model.Bookmark) error {
	if m.createFn != nil {
		return m.createFn(ctx, b)
	}
	b.ID = "6f1c2a8e-0000-4000-8000-000000000001"
	b.CreatedAt = time.Now()
	return nil
}

func (m *mockBookmarkRepo) DeleteByUserAndID(ctx context.Context, userID, id string) (bool, error) {
	if m.deleteByUserAndIDFn != nil {
		return m.deleteByUserAndIDFn(ctx, userID, id)
	}
	return true, nil
}

type mockPublisher struct {
	events []model.ChangeEvent
	err    error
}

func (m *mockPublisher) Publish(_ context.Context, event model.ChangeEvent) error {
	m.events = append(m.events, event)
	return m.err
}

type mockMetrics struct {
	created, deleted int
	failures         []string
}

func (m *mockMetrics) RecordBookmarkCreated()             { m.created++ }
func (m *mockMetrics) RecordBookmarkDeleted()             { m.deleted++ }
func (m *mockMetrics) RecordWriteFailure(op string)       { m.failures = append(m.failures, op) }
func (m *mockMetrics) RecordHTTPStatus(int)               {}
func (m *mockMetrics) RecordRequestLatency(time.Duration) {}
func (m *mockMetrics) SetFeedSubscribers(int)             {}
func (m *mockMetrics) RecordEventDelivered(string)        {}
func (m *mockMetrics) RecordEventDropped()                {}

var _ repository.BookmarkRepository = (*mockBookmarkRepo)(nil)
var _ Publisher = (*mockPublisher)(nil)

const validID = "6f1c2a8e-0000-4000-8000-000000000001"

// --- テスト ---

func TestCreate_Success_ReturnsBackendAssignedRecord(t *testing.T) {
	var gotUserID string
	repo := &mockBookmarkRepo{
		createFn: func(ctx context.Context, b *model.Bookmark) error {
			gotUserID = b.UserID
			b.ID = validID
			b.CreatedAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			return nil
		},
	}
	m := &mockMetrics{}
	svc := NewService(repo, nil, m)

	b, err := svc.Create(context.Background(), "user-1", "Docs", "https://docs.rs")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if gotUserID != "user-1" {
		t.Errorf("repo received user_id %q, want user-1", gotUserID)
	}
	if b.ID != validID || b.Title != "Docs" || b.URL != "https://docs.rs" {
		t.Errorf("unexpected bookmark: %+v", b)
	}
	if b.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
	if m.created != 1 {
		t.Errorf("created metric = %d, want 1", m.created)
	}
}

func TestCreate_EmptyFields_ReturnsInvalidBookmarkError(t *testing.T) {
	tests := []struct {
		name  string
		title string
		url   string
	}{
		{name: "タイトルが空", title: "", url: "https://example.com"},
		{name: "URLが空", title: "Example", url: ""},
		{name: "空白のみ", title: "   ", url: "https://example.com"},
		{name: "httpで始まらないURL", title: "Example", url: "example.com"},
		{name: "スキームの大文字", title: "Example", url: "HTTPS://example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			repo := &mockBookmarkRepo{
				createFn: func(ctx context.Context, b *model.Bookmark) error {
					called = true
					return nil
				},
			}
			svc := NewService(repo, nil, nil)

			_, err := svc.Create(context.Background(), "user-1", tt.title, tt.url)

			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *model.APIError, got %v", err)
			}
			if apiErr.Code != model.ErrCodeInvalidBookmark {
				t.Errorf("code = %q, want %q", apiErr.Code, model.ErrCodeInvalidBookmark)
			}
			if called {
				t.Error("repository should not be called for invalid input")
			}
		})
	}
}

func TestCreate_HTTPPrefixIsLiteral(t *testing.T) {
	svc := NewService(&mockBookmarkRepo{}, nil, nil)

	// 接頭辞の判定は文字列一致のみで、ホスト名の妥当性は見ない
	for _, u := range []string{"http://a", "https://a", "httpfoo.com"} {
		if _, err := svc.Create(context.Background(), "user-1", "T", u); err != nil {
			t.Errorf("Create(%q) error = %v", u, err)
		}
	}
}

func TestCreate_RepoError_RecordsFailure(t *testing.T) {
	repo := &mockBookmarkRepo{
		createFn: func(ctx context.Context, b *model.Bookmark) error {
			return errors.New("connection refused")
		},
	}
	m := &mockMetrics{}
	pub := &mockPublisher{}
	svc := NewService(repo, pub, m)

	if _, err := svc.Create(context.Background(), "user-1", "A", "https://a"); err == nil {
		t.Fatal("expected error")
	}
	if len(m.failures) != 1 || m.failures[0] != "create" {
		t.Errorf("failures = %v, want [create]", m.failures)
	}
	if len(pub.events) != 0 {
		t.Error("no event should be published on failure")
	}
}

func TestCreate_PublishesInsertEvent(t *testing.T) {
	pub := &mockPublisher{}
	svc := NewService(&mockBookmarkRepo{}, pub, nil)

	b, err := svc.Create(context.Background(), "user-1", "Go", "https://go.dev")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Kind != model.ChangeInsert || ev.UserID != "user-1" || ev.Record == nil || ev.Record.ID != b.ID {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestCreate_PublishError_StillSucceeds(t *testing.T) {
	pub := &mockPublisher{err: errors.New("redis down")}
	svc := NewService(&mockBookmarkRepo{}, pub, nil)

	if _, err := svc.Create(context.Background(), "user-1", "Go", "https://go.dev"); err != nil {
		t.Fatalf("Create() should succeed even if publish fails: %v", err)
	}
}

func TestDelete_Success_PublishesDeleteEvent(t *testing.T) {
	var gotUserID, gotID string
	repo := &mockBookmarkRepo{
		deleteByUserAndIDFn: func(ctx context.Context, userID, id string) (bool, error) {
			gotUserID, gotID = userID, id
			return true, nil
		},
	}
	pub := &mockPublisher{}
	m := &mockMetrics{}
	svc := NewService(repo, pub, m)

	if err := svc.Delete(context.Background(), "user-1", validID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if gotUserID != "user-1" || gotID != validID {
		t.Errorf("repo received (%q, %q)", gotUserID, gotID)
	}
	if m.deleted != 1 {
		t.Errorf("deleted metric = %d, want 1", m.deleted)
	}
	if len(pub.events) != 1 || pub.events[0].Kind != model.ChangeDelete || pub.events[0].ID != validID {
		t.Errorf("unexpected events: %+v", pub.events)
	}
}

func TestDelete_NotFound(t *testing.T) {
	repo := &mockBookmarkRepo{
		deleteByUserAndIDFn: func(ctx context.Context, userID, id string) (bool, error) {
			return false, nil
		},
	}
	pub := &mockPublisher{}
	svc := NewService(repo, pub, nil)

	err := svc.Delete(context.Background(), "user-1", validID)

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeBookmarkNotFound {
		t.Fatalf("expected BOOKMARK_NOT_FOUND, got %v", err)
	}
	if len(pub.events) != 0 {
		t.Error("no event should be published when nothing was deleted")
	}
}

func TestDelete_MalformedID_SkipsRepository(t *testing.T) {
	called := false
	repo := &mockBookmarkRepo{
		deleteByUserAndIDFn: func(ctx context.Context, userID, id string) (bool, error) {
			called = true
			return true, nil
		},
	}
	svc := NewService(repo, nil, nil)

	err := svc.Delete(context.Background(), "user-1", "not-a-uuid")

	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeBookmarkNotFound {
		t.Fatalf("expected BOOKMARK_NOT_FOUND, got %v", err)
	}
	if called {
		t.Error("repository should not be called for malformed ID")
	}
}

func TestDelete_RepoError(t *testing.T) {
	repo := &mockBookmarkRepo{
		deleteByUserAndIDFn: func(ctx context.Context, userID, id string) (bool, error) {
			return false, errors.New("db down")
		},
	}
	m := &mockMetrics{}
	svc := NewService(repo, nil, m)

	err := svc.Delete(context.Background(), "user-1", validID)
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("repository error should not be an APIError: %v", apiErr)
	}
	if len(m.failures) != 1 || m.failures[0] != "delete" {
		t.Errorf("failures = %v, want [delete]", m.failures)
	}
}

func TestList_ReturnsRepositoryOrder(t *testing.T) {
	now := time.Now()
	repo := &mockBookmarkRepo{
		listByUserFn: func(ctx context.Context, userID string) ([]*model.Bookmark, error) {
			return []*model.Bookmark{
				{ID: "b", Title: "newer", CreatedAt: now},
				{ID: "a", Title: "older", CreatedAt: now.Add(-time.Hour)},
			}, nil
		},
	}
	svc := NewService(repo, nil, nil)

	list, err := svc.List(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestList_RepoError(t *testing.T) {
	repo := &mockBookmarkRepo{
		listByUserFn: func(ctx context.Context, userID string) ([]*model.Bookmark, error) {
			return nil, errors.New("db down")
		},
	}
	svc := NewService(repo, nil, nil)

	if _, err := svc.List(context.Background(), "user-1"); err == nil {
		t.Fatal("expected error")
	}
}
