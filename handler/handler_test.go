package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microblog/auth"
	"microblog/domain"
	"microblog/feed"
	"microblog/store"
)

const testCode = "123456"

type captureMailer struct {
	mu    sync.Mutex
	sent  map[string]string
	count int
}

func (m *captureMailer) SendMagicCode(_ context.Context, email, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = map[string]string{}
	}
	m.sent[email] = code
	m.count++
	return nil
}

func (m *captureMailer) codeFor(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[email]
}

type testApp struct {
	h      *Handler
	e      *echo.Echo
	mailer *captureMailer
}

func setup(t *testing.T, opts ...func(*Handler)) *testApp {
	t.Helper()
	logger := log.New("test")
	logger.SetOutput(io.Discard)

	dsn := filepath.Join(t.TempDir(), "handler.db") + "?_pragma=foreign_keys(1)"
	db, err := store.Open(context.Background(), store.Config{AppID: "test-app", Driver: store.DriverSQLite, URL: dsn}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mailer := &captureMailer{}
	svc := auth.NewService(db, mailer, logger, auth.WithCodeGenerator(func() (string, error) {
		return testCode, nil
	}))
	sessions, err := auth.NewSessions("test-secret", "test-app")
	require.NoError(t, err)

	hub := feed.NewHub(db, logger)
	db.OnChange(hub.Changed)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	h := &Handler{
		DB:       db,
		Auth:     svc,
		Sessions: sessions,
		Hub:      hub,
		Client: domain.ClientConfig{
			AppID:        "test-app",
			APIURI:       "/api",
			WebsocketURI: "/live",
		},
		Environment: "dev",
	}
	for _, opt := range opts {
		opt(h)
	}
	e := echo.New()
	e.Logger = logger
	h.Routes(e)
	return &testApp{h: h, e: e, mailer: mailer}
}

// browser keeps cookies between requests the way a browser would.
type browser struct {
	t       *testing.T
	e       *echo.Echo
	cookies map[string]*http.Cookie
}

func (a *testApp) browser(t *testing.T) *browser {
	return &browser{t: t, e: a.e, cookies: map[string]*http.Cookie{}}
}

func (b *browser) do(req *http.Request) *httptest.ResponseRecorder {
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	b.e.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return rec
}

func (b *browser) get(target string) *httptest.ResponseRecorder {
	return b.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (b *browser) form(target string, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	return b.do(req)
}

func (b *browser) jsonRequest(method, target string, body any) *http.Request {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(b.t, err)
		r = strings.NewReader(string(data))
	}
	req := httptest.NewRequest(method, target, r)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func (b *browser) json(method, target string, body any) *httptest.ResponseRecorder {
	return b.do(b.jsonRequest(method, target, body))
}

func (a *testApp) feed(t *testing.T) []domain.Post {
	t.Helper()
	posts, err := a.h.DB.Feed(context.Background())
	require.NoError(t, err)
	return posts
}

func (b *browser) signIn(a *testApp, email string) {
	b.t.Helper()
	rec := b.form("/auth/code", url.Values{"email": {email}})
	require.Equal(b.t, http.StatusFound, rec.Code)
	rec = b.form("/auth/verify", url.Values{"code": {a.mailer.codeFor(email)}})
	require.Equal(b.t, http.StatusFound, rec.Code)
	require.Contains(b.t, b.cookies, auth.SessionCookie)
}

func TestGetPosts_Empty(t *testing.T) {
	app := setup(t)
	rec := app.browser(t).get("/")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "No posts yet")
	assert.Contains(t, body, `data-state="anonymous-awaiting-email"`)
	assert.Contains(t, body, `id="client-config"`)
}

func TestNewPost_Anonymous(t *testing.T) {
	app := setup(t)
	b := app.browser(t)

	rec := b.form("/posts", url.Values{"title": {"Hello"}, "content": {"World"}})
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get(echo.HeaderLocation))

	posts := app.feed(t)
	require.Len(t, posts, 1)
	assert.Equal(t, "Hello", posts[0].Title)
	assert.Equal(t, "World", posts[0].Content)
	assert.Nil(t, posts[0].Author)

	body := b.get("/").Body.String()
	assert.Contains(t, body, "<h2>Hello</h2>")
	assert.Contains(t, body, "<p>World</p>")
	assert.NotContains(t, body, "No posts yet")
}

func TestNewPost_BlankFieldsAreIgnored(t *testing.T) {
	app := setup(t)
	b := app.browser(t)

	tests := []url.Values{
		{"title": {"   "}, "content": {"World"}},
		{"title": {"Hello"}, "content": {""}},
		{},
	}
	for _, form := range tests {
		rec := b.form("/posts", form)
		assert.Equal(t, http.StatusFound, rec.Code)
	}
	assert.Empty(t, app.feed(t))
}

func TestSignInFlow(t *testing.T) {
	app := setup(t)
	b := app.browser(t)

	rec := b.form("/auth/code", url.Values{"email": {"a@b.com"}})
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, testCode, app.mailer.codeFor("a@b.com"))

	body := b.get("/").Body.String()
	assert.Contains(t, body, `data-state="anonymous-awaiting-code"`)
	assert.Contains(t, body, "Code sent to a@b.com")

	rec = b.form("/auth/verify", url.Values{"code": {"000000"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), auth.ErrInvalidCode.Error())
	assert.NotContains(t, b.cookies, auth.SessionCookie)

	rec = b.form("/auth/verify", url.Values{"code": {testCode}})
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, b.cookies, auth.SessionCookie)
	assert.NotContains(t, b.cookies, pendingCookie)

	body = b.get("/").Body.String()
	assert.Contains(t, body, `data-state="authenticated"`)
	assert.Contains(t, body, "a@b.com")

	rec = b.form("/auth/signout", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.NotContains(t, b.cookies, auth.SessionCookie)
	assert.Contains(t, b.get("/").Body.String(), `data-state="anonymous-awaiting-email"`)
}

func TestSendCode_InvalidEmail(t *testing.T) {
	app := setup(t)
	rec := app.browser(t).form("/auth/code", url.Values{"email": {"not-an-email"}})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), auth.ErrInvalidEmail.Error())
	assert.Zero(t, app.mailer.count)
}

func TestCancelCode(t *testing.T) {
	app := setup(t)
	b := app.browser(t)

	b.form("/auth/code", url.Values{"email": {"a@b.com"}})
	require.Contains(t, b.cookies, pendingCookie)

	rec := b.form("/auth/cancel", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.NotContains(t, b.cookies, pendingCookie)
	assert.Contains(t, b.get("/").Body.String(), `data-state="anonymous-awaiting-email"`)
}

func TestNewPost_SignedInLinksAuthor(t *testing.T) {
	app := setup(t)
	b := app.browser(t)
	b.signIn(app, "a@b.com")

	rec := b.form("/posts", url.Values{"title": {"Mine"}, "content": {"by me"}})
	require.Equal(t, http.StatusFound, rec.Code)

	posts := app.feed(t)
	require.Len(t, posts, 1)
	require.NotNil(t, posts[0].Author)
	assert.Equal(t, "a@b.com", posts[0].Author.Email)
	assert.Contains(t, b.get("/").Body.String(), "By a@b.com")
}

func TestDeletePost(t *testing.T) {
	app := setup(t)
	b := app.browser(t)

	b.form("/posts", url.Values{"title": {"one"}, "content": {"1"}})
	b.form("/posts", url.Values{"title": {"two"}, "content": {"2"}})
	posts := app.feed(t)
	require.Len(t, posts, 2)

	rec := b.form("/posts/"+posts[0].ID+"/delete", nil)
	assert.Equal(t, http.StatusFound, rec.Code)

	remaining := app.feed(t)
	require.Len(t, remaining, 1)
	assert.Equal(t, posts[1].ID, remaining[0].ID)

	// a bad id leaves the feed alone
	rec = b.form("/posts/not-a-uuid/delete", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Len(t, app.feed(t), 1)
}

func TestSession_BadTokenIsAnonymous(t *testing.T) {
	app := setup(t)

	stale, _, err := app.h.Sessions.Issue(domain.User{ID: uuid.NewString(), Email: "gone@b.com"})
	require.NoError(t, err)

	for name, token := range map[string]string{"garbage": "not-a-token", "unknown user": stale} {
		t.Run(name, func(t *testing.T) {
			b := app.browser(t)
			b.cookies[auth.SessionCookie] = &http.Cookie{Name: auth.SessionCookie, Value: token}

			rec := b.get("/")
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), `data-state="anonymous-awaiting-email"`)

			b.form("/posts", url.Values{"title": {name}, "content": {"x"}})
		})
	}
	for _, p := range app.feed(t) {
		assert.Nil(t, p.Author)
	}
}

func TestAPI_Posts(t *testing.T) {
	app := setup(t)
	b := app.browser(t)

	rec := b.json(http.MethodPost, "/api/posts", map[string]string{"title": "Hello", "content": "World"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created domain.Post
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Hello", created.Title)

	rec = b.json(http.MethodPost, "/api/posts", map[string]string{"title": "", "content": "World"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = b.get("/api/posts")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Posts []domain.Post `json:"posts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Posts, 1)
	assert.Equal(t, created.ID, list.Posts[0].ID)

	rec = b.get("/api/posts/" + created.ID)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = b.get("/api/posts/" + uuid.NewString())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"post not found"}`, rec.Body.String())

	rec = b.json(http.MethodDelete, "/api/posts/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = b.json(http.MethodDelete, "/api/posts/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, app.feed(t))
}

func TestAPI_SignIn(t *testing.T) {
	app := setup(t)
	b := app.browser(t)

	me := func() *domain.User {
		rec := b.get("/api/me")
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			User *domain.User `json:"user"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body.User
	}
	assert.Nil(t, me())

	rec := b.json(http.MethodPost, "/api/auth/code", map[string]string{"email": "bad"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = b.json(http.MethodPost, "/api/auth/code", map[string]string{"email": " A@B.com "})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sentTo":"a@b.com"}`, rec.Body.String())

	rec = b.json(http.MethodPost, "/api/auth/verify", map[string]string{"email": "a@b.com", "code": "999999"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = b.json(http.MethodPost, "/api/auth/verify", map[string]string{"email": "a@b.com", "code": testCode})
	require.Equal(t, http.StatusOK, rec.Code)

	u := me()
	require.NotNil(t, u)
	assert.Equal(t, "a@b.com", u.Email)

	rec = b.get("/api/config")
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg struct {
		AppID        string       `json:"appId"`
		WebsocketURI string       `json:"websocketURI"`
		User         *domain.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, "test-app", cfg.AppID)
	assert.Equal(t, "/live", cfg.WebsocketURI)
	require.NotNil(t, cfg.User)
	assert.Equal(t, u.ID, cfg.User.ID)

	rec = b.json(http.MethodPost, "/api/auth/signout", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, me())
}

func limitedApp(t *testing.T, limit int) *testApp {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return setup(t, func(h *Handler) {
		h.Redis = rdb
		h.CodeRateLimit = limit
	})
}

func TestAPI_CodeRateLimit(t *testing.T) {
	app := limitedApp(t, 1)
	b := app.browser(t)

	rec := b.json(http.MethodPost, "/api/auth/code", map[string]string{"email": "a@b.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = b.json(http.MethodPost, "/api/auth/code", map[string]string{"email": "a@b.com"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, app.mailer.count)
}

func TestAPI_VerifyRateLimitIgnoresForwardedFor(t *testing.T) {
	app := limitedApp(t, 2)
	b := app.browser(t)

	var codes []int
	for i := 0; i < 4; i++ {
		req := b.jsonRequest(http.MethodPost, "/api/auth/verify", map[string]string{
			"email": fmt.Sprintf("user%d@b.com", i), "code": "000000",
		})
		req.Header.Set(echo.HeaderXForwardedFor, fmt.Sprintf("203.0.113.%d", i+1))
		codes = append(codes, b.do(req).Code)
	}
	assert.Equal(t, []int{
		http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests, http.StatusTooManyRequests,
	}, codes)
}

func TestAPI_VerifyRateLimitPerEmail(t *testing.T) {
	app := limitedApp(t, 1)
	b := app.browser(t)

	verify := func(peer, email string) int {
		req := b.jsonRequest(http.MethodPost, "/api/auth/verify", map[string]string{"email": email, "code": "000000"})
		req.RemoteAddr = peer + ":4000"
		return b.do(req).Code
	}
	assert.Equal(t, http.StatusBadRequest, verify("198.51.100.1", "a@b.com"))
	assert.Equal(t, http.StatusTooManyRequests, verify("198.51.100.2", " A@B.com"))
	assert.Equal(t, http.StatusBadRequest, verify("198.51.100.3", "other@b.com"))
}

func TestVerifyCode_BurnedAfterTooManyWrongCodes(t *testing.T) {
	app := setup(t)
	b := app.browser(t)

	rec := b.form("/auth/code", url.Values{"email": {"a@b.com"}})
	require.Equal(t, http.StatusFound, rec.Code)

	for i := 0; i < auth.MaxCodeAttempts; i++ {
		rec = b.form("/auth/verify", url.Values{"code": {"000000"}})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	}

	rec = b.form("/auth/verify", url.Values{"code": {testCode}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.NotContains(t, b.cookies, auth.SessionCookie)
}

func TestMetrics_OnlyOnInternalRouter(t *testing.T) {
	app := setup(t)
	assert.Equal(t, http.StatusNotFound, app.browser(t).get("/metrics").Code)

	internal := echo.New()
	MetricsRoutes(internal)
	rec := httptest.NewRecorder()
	internal.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestLive_PushesNewPosts(t *testing.T) {
	app := setup(t)
	sub, err := app.h.Hub.Subscribe(context.Background())
	require.NoError(t, err)
	defer app.h.Hub.Unsubscribe(sub)

	next := func() feed.Snapshot {
		select {
		case data := <-sub.C():
			var s feed.Snapshot
			require.NoError(t, json.Unmarshal(data, &s))
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("no snapshot received")
		}
		return feed.Snapshot{}
	}
	assert.Empty(t, next().Posts)

	app.browser(t).form("/posts", url.Values{"title": {"live"}, "content": {"update"}})

	snap := next()
	require.Len(t, snap.Posts, 1)
	assert.Equal(t, "live", string(snap.Posts[0].Title))
}

func TestErrorHandler_NotFound(t *testing.T) {
	app := setup(t)
	b := app.browser(t)

	rec := b.get("/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Back to the feed")

	rec = b.get("/api/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)
}
