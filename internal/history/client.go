package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-chatsync/internal/types"
	"github.com/rs/zerolog"
)

const defaultTimeout = 30 * time.Second

// Client talks to the chat server's REST API.
type Client struct {
	baseURL    string
	token      string
	sessionId  string
	httpClient *http.Client
	log        zerolog.Logger
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithSessionId tags every request with the client session id.
func WithSessionId(id string) ClientOption {
	return func(c *Client) {
		c.sessionId = id
	}
}

func NewClient(baseURL, token string, logger zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		log:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (c *Client) FetchRooms(ctx context.Context, page, limit int) (types.RoomPage, error) {
	var res types.RoomPage
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	err := c.do(ctx, http.MethodGet, "/api/rooms?"+q.Encode(), nil, &res)
	return res, err
}

func (c *Client) FetchRoom(ctx context.Context, roomId string) (types.Room, error) {
	var res types.Room
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomId), nil, &res)
	return res, err
}

func (c *Client) FetchMessages(ctx context.Context, roomId string, page, limit int) (types.MessagePage, error) {
	var res types.MessagePage
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomId)+"/messages?"+q.Encode(), nil, &res)
	return res, err
}

func (c *Client) SendMessage(ctx context.Context, roomId, content string) (types.Message, error) {
	var res types.Message
	err := c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomId)+"/messages", sendMessageRequest{Content: content}, &res)
	return res, err
}

func (c *Client) MarkRoomRead(ctx context.Context, roomId string) error {
	return c.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomId)+"/read", nil, nil)
}

func (c *Client) CreateGroup(ctx context.Context, params types.GroupParams) (types.Room, error) {
	var res types.Room
	err := c.do(ctx, http.MethodPost, "/api/groups", params, &res)
	return res, err
}

func (c *Client) UpdateGroup(ctx context.Context, params types.GroupParams) (types.Room, error) {
	var res types.Room
	err := c.do(ctx, http.MethodPut, "/api/groups/"+url.PathEscape(params.Id), params, &res)
	return res, err
}

func (c *Client) DeleteGroup(ctx context.Context, roomId string) error {
	return c.do(ctx, http.MethodDelete, "/api/groups/"+url.PathEscape(roomId), nil, nil)
}

func (c *Client) FetchNotifications(ctx context.Context) (types.NotificationList, error) {
	var res types.NotificationList
	err := c.do(ctx, http.MethodGet, "/api/notifications", nil, &res)
	return res, err
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

// do performs a JSON request. Responses with status >= 400 are returned as
// *ApiError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.sessionId != "" {
		req.Header.Set("X-Client-Session", c.sessionId)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("history request")

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Message
		if msg == "" {
			msg = errResp.Error
		}
		return NewApiError(resp.StatusCode, msg)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
