package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"pinsync/apps/sync-engine/converter"
	"pinsync/apps/sync-engine/model"
	"pinsync/pkg/config"
	"pinsync/pkg/logger"
)

// HTTPBackend 基于HTTP的后端实现
// 批量建消息、提交回执和补偿查询走同一个REST入口
type HTTPBackend struct {
	baseURL   string
	userID    string
	sessionID string
	http      *http.Client
	log       logger.Logger
}

// NewHTTPBackend 创建HTTP后端客户端
func NewHTTPBackend(cfg config.BackendConfig, userID, sessionID string, log logger.Logger) *HTTPBackend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPBackend{
		baseURL:   cfg.BaseURL,
		userID:    userID,
		sessionID: sessionID,
		http:      &http.Client{Timeout: timeout},
		log:       log,
	}
}

// createItem 批量建消息的单条请求体
type createItem struct {
	ThreadID    int64  `json:"thread_id"`
	Text        string `json:"text"`
	IsSystem    bool   `json:"is_system,omitempty"`
	ClientNonce string `json:"client_nonce"`
}

// createResult 批量建消息的单条响应
type createResult struct {
	ClientNonce string                 `json:"client_nonce"`
	Message     map[string]interface{} `json:"message"`
	Error       string                 `json:"error,omitempty"`
}

// CreateMessages 批量创建消息，服务端按clientNonce幂等
// 整批网络失败返回错误；单条失败体现在对应结果的Err上
func (b *HTTPBackend) CreateMessages(ctx context.Context, items []*model.OutboxItem) ([]model.BatchResult, error) {
	reqItems := make([]createItem, 0, len(items))
	for _, item := range items {
		reqItems = append(reqItems, createItem{
			ThreadID:    item.ThreadID,
			Text:        item.Text,
			IsSystem:    item.IsSystem,
			ClientNonce: item.ClientNonce,
		})
	}

	var resp struct {
		Results []createResult `json:"results"`
	}
	if err := b.post(ctx, "/messages/batch", map[string]interface{}{"items": reqItems}, &resp); err != nil {
		return nil, err
	}

	results := make([]model.BatchResult, 0, len(resp.Results))
	for _, res := range resp.Results {
		out := model.BatchResult{ClientNonce: res.ClientNonce, Err: res.Error}
		if res.Message != nil {
			msg, err := converter.MessageFromRow(res.Message)
			if err != nil {
				out.Err = err.Error()
			} else {
				out.Message = msg
			}
		}
		results = append(results, out)
	}
	return results, nil
}

// SubmitReceipts 批量提交回执
func (b *HTTPBackend) SubmitReceipts(ctx context.Context, readIDs, deliveredIDs []int64) error {
	body := map[string]interface{}{
		"read_ids":      readIDs,
		"delivered_ids": deliveredIDs,
	}
	return b.post(ctx, "/receipts", body, nil)
}

// RecentMessages 拉取会话近期消息，用于订阅恢复后的补偿
func (b *HTTPBackend) RecentMessages(ctx context.Context, threadID int64, limit int) ([]*model.Message, error) {
	path := fmt.Sprintf("/threads/%d/messages?limit=%d", threadID, limit)

	var resp struct {
		Messages []map[string]interface{} `json:"messages"`
	}
	if err := b.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	messages := make([]*model.Message, 0, len(resp.Messages))
	for _, row := range resp.Messages {
		msg, err := converter.MessageFromRow(row)
		if err != nil {
			b.log.Warn(ctx, "补偿消息行解析失败，跳过", logger.F("error", err.Error()))
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// RecentThreads 拉取图片下的近期会话
func (b *HTTPBackend) RecentThreads(ctx context.Context, image string, limit int) ([]*model.Thread, error) {
	path := fmt.Sprintf("/images/%s/threads?limit=%d", url.PathEscape(image), limit)

	var resp struct {
		Threads []map[string]interface{} `json:"threads"`
	}
	if err := b.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	threads := make([]*model.Thread, 0, len(resp.Threads))
	for _, row := range resp.Threads {
		thread, err := converter.ThreadFromRow(row)
		if err != nil {
			b.log.Warn(ctx, "补偿会话行解析失败，跳过", logger.F("error", err.Error()))
			continue
		}
		threads = append(threads, thread)
	}
	return threads, nil
}

// ==================== 内部方法 ====================

func (b *HTTPBackend) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化请求体失败: %w", err)
	}
	return b.do(ctx, http.MethodPost, path, bytes.NewReader(data), out)
}

func (b *HTTPBackend) get(ctx context.Context, path string, out interface{}) error {
	return b.do(ctx, http.MethodGet, path, nil, out)
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return &NetworkError{Op: path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", b.userID)
	req.Header.Set("X-Session-ID", b.sessionID)

	resp, err := b.http.Do(req)
	if err != nil {
		return &NetworkError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ServerError{Op: path, Status: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &ServerError{Op: path, Status: resp.StatusCode, Body: "响应体无法解析"}
		}
	}
	return nil
}
