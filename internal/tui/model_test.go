package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hitoshi/smartmark/internal/client"
	"github.com/hitoshi/smartmark/internal/model"
)

// fakeFeed はチャネルで操作できるFeed。
type fakeFeed struct {
	events chan model.ChangeEvent
	err    error
	once   sync.Once
	closed bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{events: make(chan model.ChangeEvent, 8)}
}

func (f *fakeFeed) Events() <-chan model.ChangeEvent { return f.events }
func (f *fakeFeed) Err() error                       { return f.err }
func (f *fakeFeed) Close() {
	f.once.Do(func() {
		f.closed = true
		close(f.events)
	})
}

// fakeBackend はメモリ上でブックマークを保持するBackend。
type fakeBackend struct {
	user      *model.User
	userErr   error
	records   []model.Bookmark
	listErr   error
	createErr error
	deleteErr error
	feed      *fakeFeed
	feedErr   error

	signOuts int
	created  []string
	deleted  []string
	clock    time.Time
}

func (b *fakeBackend) CurrentUser(ctx context.Context) (*model.User, error) {
	return b.user, b.userErr
}

func (b *fakeBackend) SignOut(ctx context.Context) error {
	b.signOuts++
	return nil
}

func (b *fakeBackend) List(ctx context.Context) ([]model.Bookmark, error) {
	return b.records, b.listErr
}

func (b *fakeBackend) Create(ctx context.Context, title, url string) (*model.Bookmark, error) {
	if b.createErr != nil {
		return nil, b.createErr
	}
	b.clock = b.clock.Add(time.Minute)
	rec := &model.Bookmark{ID: "id-" + title, Title: title, URL: url, CreatedAt: b.clock}
	b.created = append(b.created, url)
	return rec, nil
}

func (b *fakeBackend) Delete(ctx context.Context, id string) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	b.deleted = append(b.deleted, id)
	return nil
}

func (b *fakeBackend) Subscribe(ctx context.Context) (Feed, error) {
	if b.feedErr != nil {
		return nil, b.feedErr
	}
	return b.feed, nil
}

// execCmd はブロックしないコマンドを実行し、得られたメッセージを返す。
func execCmd(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, execCmd(c)...)
		}
		return out
	}
	if msg == nil {
		return nil
	}
	return []tea.Msg{msg}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

// start は本人確認から初回読み込み、フィード購読までを進めたModelを返す。
func start(t *testing.T, b *fakeBackend) Model {
	t.Helper()
	m := NewModel(b, nil)

	m, cmd := update(t, m, checkIdentity(m.gate)())
	for _, msg := range execCmd(cmd) {
		var next tea.Cmd
		m, next = update(t, m, msg)
		if _, ok := msg.(subscribedMsg); ok && next == nil && b.feedErr == nil {
			t.Fatal("expected listen command after subscription")
		}
	}
	return m
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func authenticatedBackend() *fakeBackend {
	return &fakeBackend{
		user:  &model.User{ID: "u-1", Email: "me@example.com"},
		feed:  newFakeFeed(),
		clock: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestModel_InitialViewIsLoading(t *testing.T) {
	m := NewModel(authenticatedBackend(), nil)
	if !m.ctrl.Loading {
		t.Error("expected loading before identity check")
	}
	if got := m.View(); !strings.Contains(got, "Loading") {
		t.Errorf("View() = %q, want loading", got)
	}
}

func TestModel_Unauthenticated_ShowsLogin(t *testing.T) {
	tests := []struct {
		name    string
		backend *fakeBackend
	}{
		{"ユーザー不在", &fakeBackend{}},
		{"問い合わせ失敗", &fakeBackend{userErr: &client.Error{Kind: client.KindTransport, Message: "refused"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewModel(tt.backend, nil)
			m, cmd := update(t, m, checkIdentity(m.gate)())

			if cmd != nil {
				t.Error("no load should be triggered when unauthenticated")
			}
			if m.phase != phaseLogin {
				t.Errorf("phase = %v, want login", m.phase)
			}
			if !strings.Contains(m.View(), "smartmark login") {
				t.Errorf("View() = %q, want login hint", m.View())
			}
		})
	}
}

func TestModel_AuthenticatedEmpty_ShowsEmptyState(t *testing.T) {
	m := start(t, authenticatedBackend())

	if m.phase != phaseList {
		t.Fatalf("phase = %v, want list", m.phase)
	}
	if m.ctrl.Count() != 0 || !m.ctrl.Empty() {
		t.Errorf("count = %d, empty = %v", m.ctrl.Count(), m.ctrl.Empty())
	}
	if !strings.Contains(m.View(), "ブックマークはまだありません") {
		t.Errorf("View() = %q, want empty state", m.View())
	}
}

func TestModel_CreateDocs(t *testing.T) {
	b := authenticatedBackend()
	m := start(t, b)

	m.titleInput.SetValue("Docs")
	m.urlInput.SetValue("docs.rs")
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	if m.titleInput.Value() != "" || m.urlInput.Value() != "" {
		t.Errorf("inputs = (%q, %q), want cleared", m.titleInput.Value(), m.urlInput.Value())
	}
	for _, msg := range execCmd(cmd) {
		m, _ = update(t, m, msg)
	}

	if len(b.created) != 1 || b.created[0] != "https://docs.rs" {
		t.Fatalf("created = %v, want [https://docs.rs]", b.created)
	}
	got := m.ctrl.Bookmarks()
	if len(got) != 1 || got[0].Title != "Docs" || got[0].URL != "https://docs.rs" {
		t.Errorf("bookmarks = %+v", got)
	}

	// サーバーからのinsertエコーは重複しない
	b.feed.events <- model.ChangeEvent{Kind: model.ChangeInsert, Record: &got[0]}
	m, _ = update(t, m, listen(b.feed)())
	if m.ctrl.Count() != 1 {
		t.Errorf("count = %d after echo, want 1", m.ctrl.Count())
	}
	if !strings.Contains(m.View(), "https://docs.rs") {
		t.Errorf("View() does not list the bookmark: %q", m.View())
	}
}

func TestModel_CreateWithEmptyField_NoRequest(t *testing.T) {
	b := authenticatedBackend()
	m := start(t, b)

	m.titleInput.SetValue("Docs")
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})

	if cmd != nil {
		t.Error("expected no command for empty URL")
	}
	if m.titleInput.Value() != "Docs" {
		t.Errorf("title = %q, want kept", m.titleInput.Value())
	}
	if len(b.created) != 0 {
		t.Errorf("created = %v, want none", b.created)
	}
}

func TestModel_CreateFailure_ShowsBlockingAlert(t *testing.T) {
	b := authenticatedBackend()
	b.createErr = &client.Error{Kind: client.KindBackend, Message: "タイトルが空です。"}
	m := start(t, b)

	m.titleInput.SetValue("x")
	m.urlInput.SetValue("y")
	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	for _, msg := range execCmd(cmd) {
		m, _ = update(t, m, msg)
	}

	if m.alert == nil || m.alert.Message != "タイトルが空です。" {
		t.Fatalf("alert = %+v, want backend message", m.alert)
	}
	if m.ctrl.Count() != 0 {
		t.Errorf("count = %d, want 0", m.ctrl.Count())
	}
	if !strings.Contains(m.View(), "タイトルが空です。") {
		t.Errorf("View() does not show alert: %q", m.View())
	}

	// 閉じるまで入力は握りつぶされる
	m, _ = update(t, m, keyRunes("a"))
	if m.titleInput.Value() != "" {
		t.Errorf("title = %q, input should be swallowed while alert is open", m.titleInput.Value())
	}
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	if m.alert != nil {
		t.Error("alert should be dismissed")
	}
}

func TestModel_DeleteWaitsForFeed(t *testing.T) {
	b := authenticatedBackend()
	rec := model.Bookmark{ID: "b-1", Title: "Docs", URL: "https://docs.rs", CreatedAt: b.clock}
	b.records = []model.Bookmark{rec}
	m := start(t, b)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if m.focus != focusList {
		t.Fatalf("focus = %v, want list", m.focus)
	}

	m, cmd := update(t, m, keyRunes("d"))
	for _, msg := range execCmd(cmd) {
		m, _ = update(t, m, msg)
	}
	if len(b.deleted) != 1 || b.deleted[0] != "b-1" {
		t.Fatalf("deleted = %v, want [b-1]", b.deleted)
	}
	if m.ctrl.Count() != 1 {
		t.Errorf("count = %d, record must remain until the feed delete", m.ctrl.Count())
	}

	b.feed.events <- model.ChangeEvent{Kind: model.ChangeDelete, ID: "b-1"}
	m, _ = update(t, m, listen(b.feed)())
	if !m.ctrl.Empty() {
		t.Errorf("count = %d, want empty after feed delete", m.ctrl.Count())
	}
	if !strings.Contains(m.View(), "ブックマークはまだありません") {
		t.Error("expected empty state after delete")
	}
}

func TestModel_DeleteFailure_RecordRemains(t *testing.T) {
	b := authenticatedBackend()
	b.records = []model.Bookmark{{ID: "b-1", Title: "Docs", URL: "https://docs.rs", CreatedAt: b.clock}}
	b.deleteErr = errors.New("指定されたブックマークが見つかりません: b-1")
	m := start(t, b)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	m, cmd := update(t, m, keyRunes("d"))
	for _, msg := range execCmd(cmd) {
		m, _ = update(t, m, msg)
	}

	if m.alert == nil || m.alert.Message != b.deleteErr.Error() {
		t.Errorf("alert = %+v", m.alert)
	}
	if m.ctrl.Count() != 1 {
		t.Errorf("count = %d, want 1", m.ctrl.Count())
	}
}

func TestModel_LoadError_ShowsStatusLine(t *testing.T) {
	b := authenticatedBackend()
	b.listErr = &client.Error{Kind: client.KindTransport, Message: "GET /api/bookmarks failed"}
	m := start(t, b)

	if m.ctrl.LoadError == nil {
		t.Fatal("expected LoadError")
	}
	if !strings.Contains(m.View(), "一覧を読み込めませんでした") {
		t.Errorf("View() = %q, want status line", m.View())
	}
}

func TestModel_FeedClosed_ShowsStatusLine(t *testing.T) {
	b := authenticatedBackend()
	m := start(t, b)

	b.feed.err = &client.Error{Kind: client.KindTransport, Message: "change feed closed by server"}
	b.feed.Close()
	m, cmd := update(t, m, listen(b.feed)())

	if cmd != nil {
		t.Error("closed feed should not be re-armed")
	}
	if !strings.Contains(m.View(), "変更フィードが切断されました") {
		t.Errorf("View() = %q, want feed status", m.View())
	}
}

func TestModel_SignOut(t *testing.T) {
	b := authenticatedBackend()
	signedOut := false
	m := NewModel(b, func() { signedOut = true })
	m, cmd := update(t, m, checkIdentity(m.gate)())
	for _, msg := range execCmd(cmd) {
		m, _ = update(t, m, msg)
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})
	m, cmd = update(t, m, keyRunes("o"))
	for _, msg := range execCmd(cmd) {
		m, _ = update(t, m, msg)
	}

	if b.signOuts != 1 {
		t.Errorf("signOuts = %d, want 1", b.signOuts)
	}
	if !signedOut {
		t.Error("onSignOut should be called")
	}
	if !b.feed.closed {
		t.Error("feed should be closed on sign out")
	}
	if m.phase != phaseLogin {
		t.Errorf("phase = %v, want login", m.phase)
	}
}

func TestModel_TypingIntoInputs(t *testing.T) {
	m := start(t, authenticatedBackend())

	m, _ = update(t, m, keyRunes("q"))
	if m.titleInput.Value() != "q" {
		t.Errorf("title = %q, want typed rune", m.titleInput.Value())
	}

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	m, _ = update(t, m, keyRunes("go.dev"))
	if m.urlInput.Value() != "go.dev" {
		t.Errorf("url = %q, want go.dev", m.urlInput.Value())
	}
}

func TestModel_QuitFromList(t *testing.T) {
	m := start(t, authenticatedBackend())
	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyShiftTab})

	_, cmd := update(t, m, keyRunes("q"))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestModel_CloseClosesFeed(t *testing.T) {
	b := authenticatedBackend()
	m := start(t, b)

	m.Close()
	if !b.feed.closed {
		t.Error("Close should close the feed subscription")
	}
}

func TestModel_LateFeedEventAfterSignOut_IsDropped(t *testing.T) {
	b := authenticatedBackend()
	m := start(t, b)
	staleFeed := m.feed

	m, _ = update(t, m, signedOutMsg{destination: "/login"})

	rec := &model.Bookmark{ID: "late", Title: "Late", URL: "https://late.example", CreatedAt: b.clock}
	m, cmd := update(t, m, feedEventMsg{feed: staleFeed, event: model.ChangeEvent{Kind: model.ChangeInsert, Record: rec}})
	if cmd != nil {
		t.Error("stale feed event must not re-arm listen")
	}
	if m.ctrl.Count() != 0 {
		t.Errorf("count = %d after sign out, want 0", m.ctrl.Count())
	}

	m, cmd = update(t, m, feedClosedMsg{feed: staleFeed})
	if cmd != nil || m.feedErr != nil {
		t.Errorf("stale feed close should be ignored, feedErr = %v", m.feedErr)
	}
	if m.phase != phaseLogin {
		t.Errorf("phase = %v, want login", m.phase)
	}
}

func TestModel_LateResultsAfterSignOut_AreDropped(t *testing.T) {
	b := authenticatedBackend()
	m := NewModel(b, nil)
	m, _ = update(t, m, checkIdentity(m.gate)())

	// 初回読み込みと購読の結果が届く前にサインアウトする
	m, _ = update(t, m, signedOutMsg{destination: "/login"})

	records := []model.Bookmark{{ID: "a", Title: "A", URL: "https://a.example", CreatedAt: b.clock}}
	m, _ = update(t, m, loadedMsg{generation: 0, records: records})
	if m.ctrl.Count() != 0 {
		t.Errorf("count = %d, late load should be ignored", m.ctrl.Count())
	}

	m, cmd := update(t, m, subscribedMsg{generation: 0, feed: b.feed})
	if cmd != nil {
		t.Error("late subscription must not start listening")
	}
	if m.feed != nil {
		t.Error("late subscription must not be kept")
	}
	if !b.feed.closed {
		t.Error("late subscription should be closed")
	}
}
