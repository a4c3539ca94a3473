package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/hitoshi/smartmark/internal/model"
)

// Feed は変更フィード（Server-Sent Events）の購読。
// Eventsチャネルは接続が切れるかCloseが呼ばれると閉じられる。
type Feed struct {
	events chan model.ChangeEvent
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Subscribe は変更フィードを購読する。呼び出し側は不要になった時点でCloseを呼ぶ。
func (c *Client) Subscribe(ctx context.Context) (*Feed, error) {
	ctx, cancel := context.WithCancel(ctx)

	req, err := c.newRequest(ctx, http.MethodGet, "/api/bookmarks/changes", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &Error{Kind: KindTransport, Message: "failed to open change feed", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, backendError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, &Error{Kind: KindDeserialization, Message: "unexpected change feed content type " + ct}
	}

	f := &Feed{
		events: make(chan model.ChangeEvent, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go f.read(ctx, resp)
	return f, nil
}

// Events は受信したイベントのチャネルを返す。
func (f *Feed) Events() <-chan model.ChangeEvent {
	return f.events
}

// Err はフィードが終了した理由を返す。Closeによる終了や継続中はnil。
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close は購読を終了し、読み取りgoroutineの終了を待つ。複数回呼んでもよい。
func (f *Feed) Close() {
	f.cancel()
	<-f.done
}

func (f *Feed) read(ctx context.Context, resp *http.Response) {
	defer close(f.done)
	defer close(f.events)
	defer resp.Body.Close()

	err := parseStream(resp, func(event, data string) error {
		ev, err := decodeFrame(event, data)
		if err != nil {
			return err
		}
		if ev == nil {
			return nil
		}
		select {
		case f.events <- *ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = &Error{Kind: KindTransport, Message: "change feed closed by server"}
	}
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// parseStream はSSEのフレームを読み出し、1フレームごとにemitを呼ぶ。
// コメント行（":"で始まる）は無視する。
func parseStream(resp *http.Response, emit func(event, data string) error) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var event string
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || len(data) > 0 {
				if err := emit(event, strings.Join(data, "\n")); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return &Error{Kind: KindTransport, Message: "change feed read failed", Err: err}
	}
	return nil
}

// decodeFrame はSSEフレームをChangeEventに変換する。未知のイベントはnilを返す。
func decodeFrame(event, data string) (*model.ChangeEvent, error) {
	switch model.ChangeKind(event) {
	case model.ChangeInsert:
		var b model.Bookmark
		if err := json.Unmarshal([]byte(data), &b); err != nil {
			return nil, &Error{Kind: KindDeserialization, Message: "invalid insert event", Err: err}
		}
		if err := validateBookmark(b); err != nil {
			return nil, err
		}
		return &model.ChangeEvent{Kind: model.ChangeInsert, Record: &b}, nil
	case model.ChangeDelete:
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return nil, &Error{Kind: KindDeserialization, Message: "invalid delete event", Err: err}
		}
		if payload.ID == "" {
			return nil, &Error{Kind: KindDeserialization, Message: "delete event has no id", Err: errors.New(data)}
		}
		return &model.ChangeEvent{Kind: model.ChangeDelete, ID: payload.ID}, nil
	default:
		return nil, nil
	}
}
