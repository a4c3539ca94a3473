// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, bookmark, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeInvalidBookmark  = "INVALID_BOOKMARK"
	ErrCodeBookmarkNotFound = "BOOKMARK_NOT_FOUND"
	ErrCodeInvalidReturnTo  = "INVALID_RETURN_TO"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewInvalidBookmarkError はタイトルまたはURLが不正な場合のエラーを生成する。
func NewInvalidBookmarkError(field string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidBookmark,
		Message:  fmt.Sprintf("%sが空です。", field),
		Category: "validation",
		Action:   "タイトルとURLの両方を入力してください。",
	}
}

// NewBookmarkNotFoundError はブックマークが見つからない場合のエラーを生成する。
func NewBookmarkNotFoundError(bookmarkID string) *APIError {
	return &APIError{
		Code:     ErrCodeBookmarkNotFound,
		Message:  fmt.Sprintf("指定されたブックマークが見つかりません: %s", bookmarkID),
		Category: "bookmark",
		Action:   "一覧を再読み込みしてください。",
	}
}

// NewInvalidBookmarkURLError はURLがhttpで始まらない場合のエラーを生成する。
func NewInvalidBookmarkURLError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidBookmark,
		Message:  "URLはhttpで始まる必要があります。",
		Category: "validation",
		Action:   "https:// から始まるURLを指定してください。",
	}
}

// NewInvalidReturnToError はログイン後の戻り先が許可されていない場合のエラーを生成する。
func NewInvalidReturnToError(returnTo string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidReturnTo,
		Message:  fmt.Sprintf("許可されていない戻り先です: %s", returnTo),
		Category: "auth",
		Action:   "アプリケーションと同一オリジン、またはループバックアドレスを指定してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
