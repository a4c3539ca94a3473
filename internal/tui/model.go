// Package tui はブックマーク一覧のターミナル画面を提供する。
//
// 状態の変更はすべてUpdate（単一のイベントループ）で行う。バックエンド呼び出しは
// tea.Cmdとしてループの外で実行され、結果メッセージとしてループに戻る。
// 変更フィードはイベントごとに再登録されるlistenコマンドで受け取る。
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hitoshi/smartmark/internal/bookmarklist"
	"github.com/hitoshi/smartmark/internal/client"
	"github.com/hitoshi/smartmark/internal/gate"
	"github.com/hitoshi/smartmark/internal/model"
)

// Feed は変更フィードの購読。*client.Feed が満たす。
type Feed interface {
	Events() <-chan model.ChangeEvent
	Err() error
	Close()
}

// Backend は画面が必要とするバックエンド操作。
type Backend interface {
	gate.Backend
	List(ctx context.Context) ([]model.Bookmark, error)
	Create(ctx context.Context, title, url string) (*model.Bookmark, error)
	Delete(ctx context.Context, id string) error
	Subscribe(ctx context.Context) (Feed, error)
}

// ClientBackend は *client.Client をBackendとして使うためのアダプタ。
type ClientBackend struct {
	*client.Client
}

// Subscribe は変更フィードを購読する。
func (b ClientBackend) Subscribe(ctx context.Context) (Feed, error) {
	f, err := b.Client.Subscribe(ctx)
	if err != nil {
		return nil, err
	}
	return f, nil
}

type phase int

const (
	phaseChecking phase = iota
	phaseLogin
	phaseList
)

type focus int

const (
	focusTitle focus = iota
	focusURL
	focusList
)

// --- メッセージ ---

type identityMsg struct{ decision gate.Decision }

// loadedMsgとsubscribedMsgは発行時のサインイン世代を持つ。
type loadedMsg struct {
	generation int
	records    []model.Bookmark
	err        error
}

type subscribedMsg struct {
	generation int
	feed       Feed
	err        error
}

// feedEventMsgとfeedClosedMsgは送信元のフィードを持つ。
type feedEventMsg struct {
	feed  Feed
	event model.ChangeEvent
}

type feedClosedMsg struct {
	feed Feed
	err  error
}

type createdMsg struct {
	record *model.Bookmark
	err    error
}

type deletedMsg struct {
	id  string
	err error
}

type signedOutMsg struct{ destination string }

// Model はターミナル画面のbubbletea Model。
type Model struct {
	backend   Backend
	gate      *gate.Gate
	ctrl      *bookmarklist.Controller
	onSignOut func()

	phase phase
	user  *model.User
	// generation はサインアウトごとに進む。古い世代の結果は捨てる。
	generation int

	titleInput textinput.Model
	urlInput   textinput.Model
	focus      focus
	cursor     int

	feed    Feed
	feedErr error

	// alert は閉じるまで他の入力を受け付けないブロッキング通知。
	alert *bookmarklist.Alert

	keys   KeyMap
	styles styles
}

// NewModel はModelを生成する。onSignOutはサインアウト後に呼ばれる（nil可）。
func NewModel(backend Backend, onSignOut func()) Model {
	title := textinput.New()
	title.Placeholder = "タイトル (例: GitHub)"
	title.Prompt = "タイトル: "
	title.Focus()

	url := textinput.New()
	url.Placeholder = "URL (example.com)"
	url.Prompt = "URL:      "

	return Model{
		backend:    backend,
		gate:       gate.New(backend, ""),
		ctrl:       bookmarklist.New(),
		onSignOut:  onSignOut,
		titleInput: title,
		urlInput:   url,
		keys:       DefaultKeyMap,
		styles:     defaultStyles(),
	}
}

// Init は本人確認を開始する。
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, checkIdentity(m.gate))
}

// Close は変更フィードの購読を終了する。プログラム終了後に呼ぶ。
func (m Model) Close() {
	if m.feed != nil {
		m.feed.Close()
	}
}

// Update はメッセージを状態に反映する。
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case identityMsg:
		m.ctrl.Loading = false
		if !msg.decision.Authenticated {
			m.phase = phaseLogin
			return m, nil
		}
		m.phase = phaseList
		m.user = msg.decision.User
		return m, tea.Batch(loadBookmarks(m.backend, m.generation), subscribe(m.backend, m.generation))

	case loadedMsg:
		if msg.generation != m.generation || m.phase != phaseList {
			return m, nil
		}
		m.ctrl.ApplyInitialLoad(msg.records, msg.err)
		m.clampCursor()
		return m, nil

	case subscribedMsg:
		if msg.generation != m.generation || m.phase != phaseList {
			if msg.feed != nil {
				msg.feed.Close()
			}
			return m, nil
		}
		if msg.err != nil {
			m.feedErr = msg.err
			return m, nil
		}
		m.feed = msg.feed
		return m, listen(m.feed)

	case feedEventMsg:
		if m.feed == nil || msg.feed != m.feed {
			return m, nil
		}
		m.ctrl.ApplyEvent(msg.event)
		m.clampCursor()
		return m, listen(m.feed)

	case feedClosedMsg:
		if m.feed == nil || msg.feed != m.feed {
			return m, nil
		}
		m.feedErr = msg.err
		return m, nil

	case createdMsg:
		m.alert = m.ctrl.CompleteCreate(msg.record, msg.err)
		return m, nil

	case deletedMsg:
		m.alert = m.ctrl.CompleteDelete(msg.id, msg.err)
		return m, nil

	case signedOutMsg:
		m.Close()
		m.feed = nil
		m.feedErr = nil
		m.generation++
		m.phase = phaseLogin
		m.user = nil
		m.ctrl = bookmarklist.New()
		m.ctrl.Loading = false
		if m.onSignOut != nil {
			m.onSignOut()
		}
		return m, nil
	}

	return m.updateInputs(msg)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.ForceQuit) {
		return m, tea.Quit
	}

	// 通知を閉じるまで他の入力は受け付けない
	if m.alert != nil {
		if key.Matches(msg, m.keys.Dismiss) {
			m.alert = nil
		}
		return m, nil
	}

	if m.phase != phaseList {
		if key.Matches(msg, m.keys.Quit) {
			return m, tea.Quit
		}
		return m, nil
	}

	if key.Matches(msg, m.keys.NextField) {
		return m.cycleFocus(msg.String() == "shift+tab"), nil
	}

	if m.focus == focusList {
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, m.keys.Down):
			if m.cursor < m.ctrl.Count()-1 {
				m.cursor++
			}
		case key.Matches(msg, m.keys.Delete):
			return m.submitDelete()
		case key.Matches(msg, m.keys.SignOut):
			return m, signOut(m.gate)
		}
		return m, nil
	}

	if key.Matches(msg, m.keys.Submit) {
		return m.submitCreate()
	}
	return m.updateInputs(msg)
}

// submitCreate は入力欄から作成要求を発行する。入力欄は要求の発行と同時に空にする。
func (m Model) submitCreate() (tea.Model, tea.Cmd) {
	m.ctrl.Title = m.titleInput.Value()
	m.ctrl.URLDraft = m.urlInput.Value()

	req, ok := m.ctrl.BeginCreate()
	if !ok {
		return m, nil
	}
	m.titleInput.SetValue("")
	m.urlInput.SetValue("")

	backend := m.backend
	return m, func() tea.Msg {
		record, err := backend.Create(context.Background(), req.Title, req.URL)
		return createdMsg{record: record, err: err}
	}
}

// submitDelete は選択中のブックマークの削除要求を発行する。一覧はフィードのdeleteで更新される。
func (m Model) submitDelete() (tea.Model, tea.Cmd) {
	records := m.ctrl.Bookmarks()
	if m.cursor < 0 || m.cursor >= len(records) {
		return m, nil
	}
	req := m.ctrl.BeginDelete(records[m.cursor].ID)

	backend := m.backend
	return m, func() tea.Msg {
		return deletedMsg{id: req.ID, err: backend.Delete(context.Background(), req.ID)}
	}
}

func (m Model) cycleFocus(reverse bool) Model {
	if reverse {
		m.focus = (m.focus + 2) % 3
	} else {
		m.focus = (m.focus + 1) % 3
	}
	m.titleInput.Blur()
	m.urlInput.Blur()
	switch m.focus {
	case focusTitle:
		m.titleInput.Focus()
	case focusURL:
		m.urlInput.Focus()
	}
	return m
}

func (m Model) updateInputs(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds [2]tea.Cmd
	m.titleInput, cmds[0] = m.titleInput.Update(msg)
	m.urlInput, cmds[1] = m.urlInput.Update(msg)
	return m, tea.Batch(cmds[:]...)
}

func (m *Model) clampCursor() {
	if m.cursor >= m.ctrl.Count() {
		m.cursor = m.ctrl.Count() - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// View は現在の状態を描画する。
func (m Model) View() string {
	s := m.styles
	var b strings.Builder

	switch m.phase {
	case phaseChecking:
		return "Loading...\n"
	case phaseLogin:
		b.WriteString(s.title.Render("Smart Bookmarks") + "\n\n")
		b.WriteString("ログインしていません。`smartmark login` を実行してください。\n\n")
		b.WriteString(s.help.Render("q: 終了") + "\n")
		return b.String()
	}

	header := s.title.Render("Smart Bookmarks")
	if m.user != nil {
		header += "  " + s.url.Render(m.user.Email)
	}
	b.WriteString(header + "\n\n")

	b.WriteString(m.titleInput.View() + "\n")
	b.WriteString(m.urlInput.View() + "\n\n")

	b.WriteString(fmt.Sprintf("保存したリンク %s\n", s.count.Render(fmt.Sprint(m.ctrl.Count()))))
	if m.ctrl.LoadError != nil {
		b.WriteString(s.status.Render("一覧を読み込めませんでした: "+m.ctrl.LoadError.Error()) + "\n")
	}
	if m.ctrl.Empty() {
		b.WriteString(s.empty.Render("ブックマークはまだありません。上の入力欄から追加してください。") + "\n")
	}
	for i, bm := range m.ctrl.Bookmarks() {
		line := bm.Title + "  " + s.url.Render(bm.URL)
		if m.focus == focusList && i == m.cursor {
			line = s.selected.Render("> "+bm.Title) + "  " + s.url.Render(bm.URL)
		} else {
			line = "  " + line
		}
		b.WriteString(line + "\n")
	}

	if m.feedErr != nil {
		b.WriteString("\n" + s.status.Render("変更フィードが切断されました: "+m.feedErr.Error()) + "\n")
	}

	if m.alert != nil {
		b.WriteString("\n" + s.modal.Render(alertTitle(m.alert)+"\n"+m.alert.Message+"\n\n"+s.help.Render("enter: 閉じる")) + "\n")
	}

	b.WriteString("\n" + s.help.Render("tab: 切替  enter: 保存  d: 削除  o: サインアウト  q: 終了") + "\n")
	return b.String()
}

func alertTitle(a *bookmarklist.Alert) string {
	if a.Operation == bookmarklist.OperationDelete {
		return "削除に失敗しました"
	}
	return "保存に失敗しました"
}

// --- コマンド ---

func checkIdentity(g *gate.Gate) tea.Cmd {
	return func() tea.Msg {
		return identityMsg{decision: g.Check(context.Background())}
	}
}

func loadBookmarks(backend Backend, generation int) tea.Cmd {
	return func() tea.Msg {
		records, err := backend.List(context.Background())
		return loadedMsg{generation: generation, records: records, err: err}
	}
}

func subscribe(backend Backend, generation int) tea.Cmd {
	return func() tea.Msg {
		feed, err := backend.Subscribe(context.Background())
		return subscribedMsg{generation: generation, feed: feed, err: err}
	}
}

// listen はフィードから次のイベントが届くまでブロックし、feedEventMsgとして返す。
func listen(feed Feed) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-feed.Events()
		if !ok {
			return feedClosedMsg{feed: feed, err: feed.Err()}
		}
		return feedEventMsg{feed: feed, event: ev}
	}
}

func signOut(g *gate.Gate) tea.Cmd {
	return func() tea.Msg {
		return signedOutMsg{destination: g.SignOut(context.Background())}
	}
}
