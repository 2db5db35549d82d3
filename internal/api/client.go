// Package api — HTTP-реализации Identity, Store и ProfileStore для клиента сессий.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/dexterr404/watch-room/internal/domain"
)

const pageSize = 500

var (
	ErrUnauthorized = errors.New("api: unauthorized")
	ErrNotFound     = errors.New("api: not found")
)

type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Code, e.Message)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	retries uint

	sf     singleflight.Group
	mu     sync.Mutex
	me     *domain.User
	meDone bool
}

func NewClient(baseURL, token string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    hc,
		retries: 3,
	}
}

// CurrentUser спрашивает /me один раз и кэширует ответ. Без токена или на 401
// возвращает nil, nil: клиент анонимен.
func (c *Client) CurrentUser(ctx context.Context) (*domain.User, error) {
	if c.token == "" {
		return nil, nil
	}
	c.mu.Lock()
	if c.meDone {
		u := c.me
		c.mu.Unlock()
		return u, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do("me", func() (any, error) {
		var u domain.User
		err := c.get(ctx, "/me", &u)
		switch {
		case errors.Is(err, ErrUnauthorized):
			return (*domain.User)(nil), nil
		case err != nil:
			return nil, err
		}
		return &u, nil
	})
	if err != nil {
		return nil, err
	}
	u, _ := v.(*domain.User)

	c.mu.Lock()
	c.me, c.meDone = u, true
	c.mu.Unlock()
	return u, nil
}

type messagesPage struct {
	Items      []domain.Message `json:"items"`
	NextCursor string           `json:"next_cursor"`
}

// FetchMessages вычитывает всю историю комнаты постранично.
func (c *Client) FetchMessages(ctx context.Context, roomID string) ([]domain.Message, error) {
	var (
		out   []domain.Message
		after string
	)
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(pageSize))
		if after != "" {
			q.Set("after", after)
		}
		var page messagesPage
		if err := c.get(ctx, "/rooms/"+url.PathEscape(roomID)+"/messages?"+q.Encode(), &page); err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.NextCursor == "" || len(page.Items) == 0 {
			return out, nil
		}
		after = page.NextCursor
	}
}

func (c *Client) InsertMessage(ctx context.Context, m domain.NewMessage) error {
	body := map[string]string{"content": m.Content}
	return c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(m.RoomID)+"/messages", body, nil)
}

// FetchProfile: 404 — профиля нет, nil, nil.
func (c *Client) FetchProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	var p domain.Profile
	err := c.get(ctx, "/profiles/"+url.PathEscape(userID), &p)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// get повторяет запрос на сетевых ошибках и 5xx с экспоненциальной паузой.
func (c *Client) get(ctx context.Context, path string, out any) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		var se *StatusError
		if err != nil && (errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) ||
			(errors.As(err, &se) && se.Code < 500)) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(c.retries),
	)
	return err
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}
