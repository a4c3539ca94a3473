// Package model はドメインモデルを定義する。
package model

import "time"

// Bookmark はユーザーが保存したURLブックマークを表す。
// ID と CreatedAt はバックエンドが採番する。作成後に変更されることはない。
type Bookmark struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// ChangeKind は変更フィードのイベント種別。
type ChangeKind string

const (
	// ChangeInsert はブックマークの追加イベント。
	ChangeInsert ChangeKind = "insert"
	// ChangeDelete はブックマークの削除イベント。
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent はbookmarksテーブルの変更通知1件を表す。
// insertではRecordに追加された行が入り、deleteではIDに削除された行のIDが入る。
type ChangeEvent struct {
	Kind   ChangeKind `json:"type"`
	UserID string     `json:"user_id"`
	Record *Bookmark  `json:"record,omitempty"`
	ID     string     `json:"id,omitempty"`
}

// BookmarkID はイベント種別に関わらず対象ブックマークのIDを返す。
func (e ChangeEvent) BookmarkID() string {
	if e.Kind == ChangeInsert && e.Record != nil {
		return e.Record.ID
	}
	return e.ID
}
