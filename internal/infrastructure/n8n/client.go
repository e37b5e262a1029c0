package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"creditservice/internal/config"
)

// ============================================================================
// n8n Webhook 客户端
// ============================================================================
//
// AI 对话、策略执行等所有"聪明"的逻辑都在外部的 n8n 工作流里，
// 本服务只负责把请求转发到对应的 webhook，对返回内容不做业务解释

const (
	webhookChatPath               = "/webhook/dashboard-chat"
	webhookActionPath             = "/webhook/dashboard-action"
	webhookActivateStrategyPath   = "/webhook/dashboard-activate-strategy"
	webhookDeactivateStrategyPath = "/webhook/dashboard-deactivate-strategy"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient 创建 n8n 客户端
func NewClient(cfg *config.N8nConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ChatReply n8n 对话工作流的响应
type ChatReply struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
}

// SendChatMessage 转发用户消息到 AI 对话工作流，返回 AI 回复
func (c *Client) SendChatMessage(ctx context.Context, userID int64, threadNo, message string) (*ChatReply, error) {
	body := map[string]interface{}{
		"user_id":   userID,
		"thread_no": threadNo,
		"message":   message,
	}

	var reply ChatReply
	if err := c.post(ctx, webhookChatPath, body, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// SendAction 转发控制指令到 n8n，执行结果由 n8n 异步回调写回
func (c *Client) SendAction(ctx context.Context, actionNo string, userID int64, actionType, payload string) error {
	body := map[string]interface{}{
		"action_no": actionNo,
		"user_id":   userID,
		"type":      actionType,
		"payload":   payload,
	}
	return c.post(ctx, webhookActionPath, body, nil)
}

// ActivateStrategy 通知 n8n 激活交易策略
func (c *Client) ActivateStrategy(ctx context.Context, userID int64, activationNo, strategyID, instrumentID string) error {
	body := map[string]interface{}{
		"user_id":       userID,
		"activation_no": activationNo,
		"strategy_id":   strategyID,
		"instrument_id": instrumentID,
	}
	return c.post(ctx, webhookActivateStrategyPath, body, nil)
}

// DeactivateStrategy 通知 n8n 停用交易策略
func (c *Client) DeactivateStrategy(ctx context.Context, userID int64, activationNo string) error {
	body := map[string]interface{}{
		"user_id":       userID,
		"activation_no": activationNo,
	}
	return c.post(ctx, webhookDeactivateStrategyPath, body, nil)
}

// post 发送 JSON 请求，非 2xx 响应视为失败
func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求 n8n 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("n8n 返回异常状态码 %d: %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("解析 n8n 响应失败: %w", err)
		}
	}
	return nil
}
