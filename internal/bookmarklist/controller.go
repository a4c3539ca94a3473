// Package bookmarklist はブックマーク一覧画面の状態と同期ロジックを提供する。
//
// Controllerは単一のイベントループからのみ操作される前提で、内部でロックを取らない。
// バックエンド呼び出しは呼び出し側が非同期に行い、結果をComplete系メソッドで戻す。
package bookmarklist

import (
	"strings"

	"github.com/hitoshi/smartmark/internal/model"
)

// 書き込み操作の種別。Alert.Operationに入る。
const (
	OperationCreate = "create"
	OperationDelete = "delete"
)

// CreateRequest はバックエンドに送るブックマーク作成要求。
type CreateRequest struct {
	Title string
	URL   string
}

// DeleteRequest はバックエンドに送るブックマーク削除要求。
type DeleteRequest struct {
	ID string
}

// Alert は書き込み失敗時にユーザーへ示すブロッキング通知。
// Messageはバックエンドが返したメッセージそのもの。
type Alert struct {
	Operation string
	Message   string
}

// Controller は一覧の並び、読み込み中フラグ、入力バッファ2つを保持する。
type Controller struct {
	bookmarks []model.Bookmark

	// Loading は本人確認が終わるまでtrue。一覧の取得状態とは連動しない。
	Loading bool

	// Title と URLDraft は入力中の値。
	Title    string
	URLDraft string

	// LoadError は初回読み込みの失敗。再試行はしない。
	LoadError error
}

// New は読み込み中状態のControllerを生成する。
func New() *Controller {
	return &Controller{Loading: true}
}

// Bookmarks は現在の並びのコピーを返す。
func (c *Controller) Bookmarks() []model.Bookmark {
	out := make([]model.Bookmark, len(c.bookmarks))
	copy(out, c.bookmarks)
	return out
}

// Count は表示中のブックマーク件数を返す。
func (c *Controller) Count() int {
	return len(c.bookmarks)
}

// Empty は空状態メッセージを出すべきかどうかを返す。
func (c *Controller) Empty() bool {
	return len(c.bookmarks) == 0
}

// Lookup はIDに一致するブックマークを返す。
func (c *Controller) Lookup(id string) (model.Bookmark, bool) {
	if i := c.indexOf(id); i >= 0 {
		return c.bookmarks[i], true
	}
	return model.Bookmark{}, false
}

// ApplyInitialLoad は初回取得の結果で並び全体を置き換える。
// 失敗時は並びを空にし、エラーをLoadErrorに残す。
func (c *Controller) ApplyInitialLoad(records []model.Bookmark, err error) {
	if err != nil {
		c.bookmarks = nil
		c.LoadError = err
		return
	}
	c.LoadError = nil
	c.bookmarks = make([]model.Bookmark, len(records))
	copy(c.bookmarks, records)
}

// ApplyEvent は変更フィードのイベントを並びに反映する。
// 既にあるIDのinsertと、存在しないIDのdeleteは何もしない。
func (c *Controller) ApplyEvent(ev model.ChangeEvent) {
	switch ev.Kind {
	case model.ChangeInsert:
		if ev.Record != nil {
			c.insertIfAbsent(*ev.Record)
		}
	case model.ChangeDelete:
		c.remove(ev.ID)
	}
}

// BeginCreate は入力バッファから作成要求を組み立て、バッファを即座に空にする。
// タイトルかURLが空の場合は要求を作らず、バッファもそのまま残す。
func (c *Controller) BeginCreate() (CreateRequest, bool) {
	if strings.TrimSpace(c.Title) == "" || strings.TrimSpace(c.URLDraft) == "" {
		return CreateRequest{}, false
	}

	req := CreateRequest{
		Title: c.Title,
		URL:   NormalizeURL(c.URLDraft),
	}
	c.Title = ""
	c.URLDraft = ""
	return req, true
}

// CompleteCreate は作成要求の結果を反映する。
// 成功時は先頭に追加する（フィード経由で先に届いていれば何もしない）。失敗時はAlertを返す。
func (c *Controller) CompleteCreate(record *model.Bookmark, err error) *Alert {
	if err != nil {
		return &Alert{Operation: OperationCreate, Message: err.Error()}
	}
	if record != nil {
		c.insertIfAbsent(*record)
	}
	return nil
}

// BeginDelete は削除要求を返す。並びは変更せず、フィードのdeleteイベントで取り除かれる。
func (c *Controller) BeginDelete(id string) DeleteRequest {
	return DeleteRequest{ID: id}
}

// CompleteDelete は削除要求の結果を反映する。失敗時はAlertを返し、レコードは残る。
func (c *Controller) CompleteDelete(id string, err error) *Alert {
	if err != nil {
		return &Alert{Operation: OperationDelete, Message: err.Error()}
	}
	return nil
}

// NormalizeURL は先頭がhttpでない値にhttps://を付与する。
func NormalizeURL(raw string) string {
	if strings.HasPrefix(raw, "http") {
		return raw
	}
	return "https://" + raw
}

func (c *Controller) insertIfAbsent(b model.Bookmark) {
	if c.indexOf(b.ID) >= 0 {
		return
	}
	c.bookmarks = append([]model.Bookmark{b}, c.bookmarks...)
}

func (c *Controller) remove(id string) {
	i := c.indexOf(id)
	if i < 0 {
		return
	}
	c.bookmarks = append(c.bookmarks[:i:i], c.bookmarks[i+1:]...)
}

func (c *Controller) indexOf(id string) int {
	for i := range c.bookmarks {
		if c.bookmarks[i].ID == id {
			return i
		}
	}
	return -1
}
