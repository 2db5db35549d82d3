package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/dexterr404/watch-room/internal/domain"
	"github.com/dexterr404/watch-room/internal/postgres"
	"github.com/dexterr404/watch-room/internal/security"
	"github.com/dexterr404/watch-room/internal/service"
	httpmw "github.com/dexterr404/watch-room/internal/transport/http/middleware"
)

const userID = "3a5b7c9d-1e2f-4a6b-8c0d-2e4f6a8b0c1d"

type memRepo struct {
	saved []domain.Message
}

func (m *memRepo) Save(_ context.Context, nm domain.NewMessage) (*domain.Message, error) {
	msg := domain.Message{ID: "m" + strconv.Itoa(len(m.saved)+1), RoomID: nm.RoomID, UserID: nm.UserID, Content: nm.Content, CreatedAt: time.Now()}
	m.saved = append(m.saved, msg)
	return &msg, nil
}

func (m *memRepo) History(_ context.Context, roomID, after string, _ int) ([]domain.Message, string, error) {
	if after == "bad" {
		return nil, "", postgres.ErrInvalidCursor
	}
	var out []domain.Message
	for _, msg := range m.saved {
		if msg.RoomID == roomID {
			out = append(out, msg)
		}
	}
	return out, "", nil
}

type memProfiles map[string]*domain.Profile

func (m memProfiles) Get(_ context.Context, id string) (*domain.Profile, error) {
	if p, ok := m[id]; ok {
		return p, nil
	}
	return nil, domain.ErrProfileNotFound
}

type published struct{ n int }

func (p *published) PublishInsert(context.Context, domain.Message) error { p.n++; return nil }

func newTestServer(t *testing.T) (*httptest.Server, string, *published) {
	t.Helper()
	v := security.NewJWTVerifier("s3cret", "", "", 0)
	tok, err := v.SignAccessToken(domain.User{ID: userID, Email: "neo@example.com"}, time.Hour)
	require.NoError(t, err)

	pub := &published{}
	chat := service.NewChatService(&memRepo{}, pub, 10)
	h := NewHandler(chat, memProfiles{userID: {UserID: userID, DisplayName: "neo"}})
	ts := httptest.NewServer(NewRouter(RouterDeps{Handler: h, Auth: v}))
	t.Cleanup(ts.Close)
	return ts, tok, pub
}

func do(t *testing.T, method, url, token, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func TestRouter_RequiresAuth(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, _ := do(t, http.MethodGet, ts.URL+"/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/me", "nope", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_Me(t *testing.T) {
	ts, tok, _ := newTestServer(t)
	resp, body := do(t, http.MethodGet, ts.URL+"/me", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var u domain.User
	require.NoError(t, json.Unmarshal(body, &u))
	assert.Equal(t, userID, u.ID)
	assert.Equal(t, "neo@example.com", u.Email)
}

func TestRouter_PostAndListMessages(t *testing.T) {
	ts, tok, pub := newTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/rooms/R1/messages", tok, `{"content":"  hello "}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var msg domain.Message
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, userID, msg.UserID)
	assert.Equal(t, "R1", msg.RoomID)
	assert.Equal(t, 1, pub.n)

	resp, _ = do(t, http.MethodPost, ts.URL+"/rooms/R1/messages", tok, `{"content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/rooms/R1/messages", tok, `{"content":"0123456789x"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, ts.URL+"/rooms/R1/messages", tok, `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, ts.URL+"/rooms/R1/messages", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list MessagesResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, "hello", list.Items[0].Content)

	resp, body = do(t, http.MethodGet, ts.URL+"/rooms/R2/messages", tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"items":[]}`, string(body))

	resp, _ = do(t, http.MethodGet, ts.URL+"/rooms/R1/messages?after=bad", tok, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouter_Profiles(t *testing.T) {
	ts, tok, _ := newTestServer(t)

	resp, body := do(t, http.MethodGet, ts.URL+"/profiles/"+userID, tok, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p domain.Profile
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, "neo", p.DisplayName)

	resp, _ = do(t, http.MethodGet, ts.URL+"/profiles/unknown", tok, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_PostRateLimited(t *testing.T) {
	v := security.NewJWTVerifier("s3cret", "", "", 0)
	tok, err := v.SignAccessToken(domain.User{ID: userID}, time.Hour)
	require.NoError(t, err)

	lim := httpmw.NewRateLimiter(rate.Every(time.Hour), 2, time.Minute)
	t.Cleanup(lim.Stop)
	h := NewHandler(service.NewChatService(&memRepo{}, &published{}, 100), memProfiles{})
	ts := httptest.NewServer(NewRouter(RouterDeps{Handler: h, Auth: v, PostLimiter: lim}))
	t.Cleanup(ts.Close)

	for i := 0; i < 2; i++ {
		resp, _ := do(t, http.MethodPost, ts.URL+"/rooms/R1/messages", tok, `{"content":"hi"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp, _ := do(t, http.MethodPost, ts.URL+"/rooms/R1/messages", tok, `{"content":"hi"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// чтение не лимитируется
	resp, _ = do(t, http.MethodGet, ts.URL+"/rooms/R1/messages", tok, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_Metrics(t *testing.T) {
	ts, tok, _ := newTestServer(t)
	resp, _ := do(t, http.MethodPost, ts.URL+"/rooms/R1/messages", tok, `{"content":"hi"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := do(t, http.MethodGet, ts.URL+"/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "watch_messages_posted_total")
	assert.Contains(t, string(body), `path="/rooms/{id}/messages"`)
}
