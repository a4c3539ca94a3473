// Package client はsmartmarkサーバーのHTTP APIを呼び出すクライアントを提供する。
//
// 応答は境界で型付きの値にデコードし、失敗は *Error として種別付きで返す。
// 再試行とタイムアウトは持たない。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/smartmark/internal/gate"
	"github.com/hitoshi/smartmark/internal/model"
)

// DefaultServerURL はサーバーURLの既定値。
const DefaultServerURL = "http://localhost:8080"

// ErrorKind はクライアントエラーの種別。
type ErrorKind string

const (
	// KindBackend はサーバーが2xx以外を返したことを示す。
	KindBackend ErrorKind = "backend"
	// KindTransport は接続やリクエスト送信の失敗を示す。
	KindTransport ErrorKind = "transport"
	// KindDeserialization は応答の形が期待と一致しないことを示す。
	KindDeserialization ErrorKind = "deserialization"
)

// Error はクライアント操作の失敗。
// KindBackendの場合、Messageはサーバーが返したメッセージそのもの。
type Error struct {
	Kind    ErrorKind
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Kind == KindBackend {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind はerrが指定種別の *Error かどうかを判定する。
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// Client はsmartmarkサーバーのAPIクライアント。
// 認証はAuthorization: Bearerヘッダーで行う。
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New はClientを生成する。httpClientがnilの場合はhttp.DefaultClientを使う。
func New(baseURL, token string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultServerURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// BaseURL はサーバーのベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// userResponse は GET /auth/me の応答。
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// errorResponse はサーバーの統一エラー応答。
type errorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// CurrentUser は現在のセッションのユーザーを返す。
// トークンがない、またはサーバーが401を返した場合は (nil, nil) を返す。
func (c *Client) CurrentUser(ctx context.Context) (*model.User, error) {
	if c.token == "" {
		return nil, nil
	}

	var u userResponse
	err := c.do(ctx, http.MethodGet, "/auth/me", nil, http.StatusOK, &u)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) && ce.Kind == KindBackend && ce.Status == http.StatusUnauthorized {
			return nil, nil
		}
		return nil, err
	}
	if u.ID == "" {
		return nil, &Error{Kind: KindDeserialization, Message: "user response has no id"}
	}
	return &model.User{ID: u.ID, Email: u.Email, Name: u.Name}, nil
}

// SignOut はサーバーにセッションの破棄を依頼する。
func (c *Client) SignOut(ctx context.Context) error {
	if c.token == "" {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, http.StatusNoContent, nil)
}

// SignOutEverywhere はこのアカウントの全端末のセッション破棄を依頼する。
func (c *Client) SignOutEverywhere(ctx context.Context) error {
	if c.token == "" {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/auth/logout?all=1", nil, http.StatusNoContent, nil)
}

// List はブックマーク一覧をcreated_at降順で返す。
func (c *Client) List(ctx context.Context) ([]model.Bookmark, error) {
	var records []model.Bookmark
	if err := c.do(ctx, http.MethodGet, "/api/bookmarks", nil, http.StatusOK, &records); err != nil {
		return nil, err
	}
	for i := range records {
		if err := validateBookmark(records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// Create はブックマークを作成し、サーバーが採番したIDと作成日時を含むレコードを返す。
func (c *Client) Create(ctx context.Context, title, rawURL string) (*model.Bookmark, error) {
	body := map[string]string{"title": title, "url": rawURL}
	var record model.Bookmark
	if err := c.do(ctx, http.MethodPost, "/api/bookmarks", body, http.StatusCreated, &record); err != nil {
		return nil, err
	}
	if err := validateBookmark(record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Delete はブックマークを削除する。
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/bookmarks/"+url.PathEscape(id), nil, http.StatusNoContent, nil)
}

// do はリクエストを送信し、wantStatusの応答をoutにデコードする。
func (c *Client) do(ctx context.Context, method, path string, in any, wantStatus int, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &Error{Kind: KindTransport, Message: "failed to encode request", Err: err}
		}
		body = bytes.NewReader(b)
	}

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, Message: method + " " + path + " failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return backendError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindDeserialization, Status: resp.StatusCode, Message: "unexpected response body", Err: err}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Message: "failed to build request", Err: err}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// backendError は2xx以外の応答を *Error に変換する。
// 統一エラー形式でない本文はステータス行をメッセージとする。
func backendError(resp *http.Response) *Error {
	e := &Error{Kind: KindBackend, Status: resp.StatusCode, Message: resp.Status}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return e
	}
	var er errorResponse
	if json.Unmarshal(data, &er) == nil && er.Message != "" {
		e.Code = er.Code
		e.Message = er.Message
		return e
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		e.Message = text
	}
	return e
}

// validateBookmark は必須フィールドが揃っているかを検証する。
func validateBookmark(b model.Bookmark) error {
	switch {
	case b.ID == "":
		return &Error{Kind: KindDeserialization, Message: "bookmark has no id"}
	case b.CreatedAt.IsZero():
		return &Error{Kind: KindDeserialization, Message: "bookmark " + b.ID + " has no created_at"}
	}
	return nil
}

var _ gate.Backend = (*Client)(nil)
