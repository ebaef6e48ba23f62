// Package client talks to the chat-ledger HTTP API. It is the remote source
// of the conversation mirror used by chatctl.
package client

import (
	"bufio"
	"bytes"
	"chat-ledger/internal/apperr"
	"chat-ledger/internal/logger"
	"chat-ledger/internal/repository/db"
	chatService "chat-ledger/internal/service/chat"
	"chat-ledger/pkg/validation"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is safe for concurrent use once the token is set.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Token() string {
	return c.token
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authBody struct {
	Token string `json:"token"`
	User  struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// SendRequest is the body of POST /api/chat.
type SendRequest struct {
	ID          string                    `json:"id"`
	Messages    []validation.MessageInput `json:"messages"`
	Model       string                    `json:"model,omitempty"`
	Temperature *float64                  `json:"temperature,omitempty"`
	PersonaID   string                    `json:"personaId,omitempty"`
	Visibility  db.Visibility             `json:"visibility,omitempty"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("error marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do sends the request and decodes a JSON response into out, when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding %s %s response: %w", method, path, err)
	}
	return nil
}

// decodeError rebuilds the server's *apperr.Error so callers can use errors.Is.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return &apperr.Error{Code: apperr.Code(body.Code), Message: body.Message}
}

func (c *Client) Register(ctx context.Context, email, password string) (string, error) {
	return c.authenticate(ctx, "/api/register", email, password)
}

// Login stores the returned token on the client.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	return c.authenticate(ctx, "/api/login", email, password)
}

func (c *Client) authenticate(ctx context.Context, path, email, password string) (string, error) {
	var out authBody
	if err := c.do(ctx, http.MethodPost, path, credentials{Email: email, Password: password}, &out); err != nil {
		return "", err
	}
	c.token = out.Token
	logger.FromContext(ctx).WithField("user_id", out.User.ID).Debug("Authenticated")
	return out.Token, nil
}

func (c *Client) ListChats(ctx context.Context) ([]db.Chat, error) {
	var out struct {
		Chats []db.Chat `json:"chats"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chats", nil, &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

func (c *Client) GetMessages(ctx context.Context, chatID string) ([]db.Message, error) {
	var out struct {
		Messages []db.Message `json:"messages"`
	}
	path := "/api/chats/" + url.PathEscape(chatID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chat?id="+url.QueryEscape(chatID), nil, nil)
}

func (c *Client) ChatUsage(ctx context.Context, chatID string) (db.UsageTotals, error) {
	var out db.UsageTotals
	err := c.do(ctx, http.MethodGet, "/api/token-usage?chatId="+url.QueryEscape(chatID), nil, &out)
	return out, err
}

func (c *Client) UserUsage(ctx context.Context, userID string) (db.UsageTotals, error) {
	var out db.UsageTotals
	err := c.do(ctx, http.MethodGet, "/api/token-usage?userId="+url.QueryEscape(userID), nil, &out)
	return out, err
}

// Send posts a chat turn and calls onEvent for every frame until [DONE].
// Errors before the stream starts come back as *apperr.Error.
func (c *Client) Send(ctx context.Context, body SendRequest, onEvent func(chatService.StreamEvent)) error {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat", body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	frames := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			logger.FromContext(ctx).WithFields(logrus.Fields{"chat_id": body.ID, "frames": frames}).Debug("Stream complete")
			return nil
		}

		var ev chatService.StreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			logger.Log.WithError(err).Warn("Error parsing stream frame")
			continue
		}
		frames++
		onEvent(ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return fmt.Errorf("stream ended without [DONE]")
}
