// Package remote is the HTTP client for the backend's send and history
// operations. Retry policy lives with the sync engine, not here: a send
// attempt runs at most once per call, bounded by the request timeout.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/marreiros/chatsync/internal/store"
)

// RejectedError is a definitive server-side refusal (validation and the
// like). Retrying the same payload would repeat the same rejection.
type RejectedError struct {
	Status int
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("server rejected message (%d): %s", e.Status, e.Reason)
}

// SendResult is the server's acknowledgement of a stored message.
type SendResult struct {
	ServerID  string `json:"server_id"`
	CreatedAt int64  `json:"created_at"`
}

// Client talks to the chat backend over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a backend client. The http.Client's timeout bounds each
// send attempt.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, token: token, http: httpClient}
}

// HealthURL returns the endpoint the connectivity monitor probes.
func (c *Client) HealthURL() string {
	return c.baseURL + "/api/health"
}

type sendRequest struct {
	Type          string `json:"type"`
	Content       string `json:"content,omitempty"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
}

// Send submits one message. The idempotency key makes repeated attempts for
// the same local message collapse server-side into one logical operation.
func (c *Client) Send(ctx context.Context, chatID, msgType, content, attachmentRef, idempotencyKey string) (*SendResult, error) {
	body, err := json.Marshal(sendRequest{Type: msgType, Content: content, AttachmentRef: attachmentRef})
	if err != nil {
		return nil, fmt.Errorf("encode send request: %w", err)
	}

	u := fmt.Sprintf("%s/api/chats/%s/messages", c.baseURL, url.PathEscape(chatID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &RejectedError{Status: resp.StatusCode, Reason: string(bytes.TrimSpace(reason))}
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("send: server error %d", resp.StatusCode)
	}

	var result SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode send response: %w", err)
	}
	if result.ServerID == "" {
		return nil, fmt.Errorf("send response missing server id")
	}
	return &result, nil
}

type wireMessage struct {
	ServerID      string `json:"server_id"`
	LocalID       string `json:"local_id,omitempty"`
	ChatID        string `json:"chat_id"`
	SenderID      string `json:"sender_id"`
	Type          string `json:"type"`
	Content       string `json:"content,omitempty"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"created_at"`
}

// GetMessages fetches a page of confirmed history for a chat, oldest first
// within the page.
func (c *Client) GetMessages(ctx context.Context, chatID string, skip, take int) ([]store.Message, error) {
	u := fmt.Sprintf("%s/api/chats/%s/messages?skip=%s&take=%s",
		c.baseURL, url.PathEscape(chatID), strconv.Itoa(skip), strconv.Itoa(take))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get messages: status %d", resp.StatusCode)
	}

	var wire []wireMessage
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode history page: %w", err)
	}

	msgs := make([]store.Message, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, store.Message{
			ChatID:        w.ChatID,
			ServerID:      w.ServerID,
			LocalID:       w.LocalID,
			SenderID:      w.SenderID,
			MsgType:       w.Type,
			Body:          w.Content,
			AttachmentRef: w.AttachmentRef,
			Status:        w.Status,
			Timestamp:     w.CreatedAt,
		})
	}
	return msgs, nil
}
