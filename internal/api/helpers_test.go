package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofrs/uuid/v5"

	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/auth"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/oauth"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/ratelimit"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/store"
	"github.com/alexdekker2025-creator/fatos-pro-sub003/internal/testutil"
)

type testAPI struct {
	handler  http.Handler
	h        *Handler
	store    *testutil.MockStore
	mailer   *testutil.MockMailer
	provider *testutil.MockProvider
}

func newTestAPI(t *testing.T, opts Options) *testAPI {
	t.Helper()
	ms := testutil.NewMockStore()
	mailer := &testutil.MockMailer{}
	provider := &testutil.MockProvider{
		ProviderName: oauth.Google,
		Claims:       &oauth.Claims{Subject: "g-123", Email: "oauth@x.com", EmailVerified: true, Name: "OAuth User"},
	}
	svc := auth.NewService(auth.Config{}, auth.Deps{
		Store:     ms,
		Cache:     testutil.NewMockCache(),
		Limiter:   ratelimit.New(ratelimit.NewMemoryStore()),
		Mailer:    mailer,
		Providers: []oauth.Provider{provider},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h := NewHandler(svc, opts)
	return &testAPI{handler: h.Routes(), h: h, store: ms, mailer: mailer, provider: provider}
}

// do sends a request through the full router. mods adjust the request before it is served.
func (a *testAPI) do(t *testing.T, method, path, body string, mods ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, m := range mods {
		m(req)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func withCookie(c *http.Cookie) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(c) }
}

func withHeader(k, v string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

func withBearer(token string) func(*http.Request) {
	return withHeader("Authorization", "Bearer "+token)
}

func withRemoteAddr(addr string) func(*http.Request) {
	return func(r *http.Request) { r.RemoteAddr = addr }
}

// seedUser inserts a password user directly into the mock store.
func (a *testAPI) seedUser(t *testing.T, email, password string, opts ...func(*store.User)) *store.User {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u := &store.User{ID: id, Email: email, PasswordHash: &hash}
	for _, opt := range opts {
		opt(u)
	}
	a.store.Users[id] = u
	return u
}

// cookieLogin logs in and returns the session cookie and CSRF token.
func (a *testAPI) cookieLogin(t *testing.T, email, password string) (*http.Cookie, string) {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/auth/login", `{"email":"`+email+`","password":"`+password+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp sessionResponse
	decode(t, rec, &resp)
	c := a.cookie(rec, sessionCookie)
	if c == nil {
		t.Fatal("login: no session cookie")
	}
	return c, resp.CSRFToken
}

// cookie finds a cookie by its logical name, as the handler would emit it
// under the configured CookieSecure setting.
func (a *testAPI) cookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	return findCookie(rec, a.h.cookieName(name))
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	decode(t, rec, &body)
	return body.Code
}

func admin(u *store.User) { u.IsAdmin = true }

// stubChecker is a HealthChecker returning err.
type stubChecker struct{ err error }

func (s stubChecker) CheckHealth(context.Context) error { return s.err }

// stubCaptcha is a captcha.Verifier returning err.
type stubCaptcha struct{ err error }

func (s stubCaptcha) Verify(context.Context, string, string) error { return s.err }
