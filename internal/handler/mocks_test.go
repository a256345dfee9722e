package handler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/messmenu/internal/auth"
	"github.com/hitoshi/messmenu/internal/menu"
	"github.com/hitoshi/messmenu/internal/middleware"
	"github.com/hitoshi/messmenu/internal/model"
	"github.com/hitoshi/messmenu/internal/repository"
	"github.com/hitoshi/messmenu/internal/security"
	"github.com/hitoshi/messmenu/internal/storage"
	"github.com/hitoshi/messmenu/internal/view"
)

// --- テスト用モック ---

// fakeProvider は認可コード "ok" だけを受け付けるOAuthプロバイダ。
type fakeProvider struct {
	name string
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) GetLoginURL(state string) string {
	return "https://idp.test/" + p.name + "/authorize?state=" + url.QueryEscape(state)
}

func (p *fakeProvider) ExchangeCode(_ context.Context, code string) (*auth.OAuthUserInfo, error) {
	if code != "ok" {
		return nil, auth.NewAuthError(auth.CodeNetworkRequestFailed, "exchange failed", nil)
	}
	return &auth.OAuthUserInfo{
		ProviderUserID: "sub-1",
		Email:          "asha@example.edu",
		Name:           "Asha Rao",
		AvatarURL:      "https://img.example.com/asha.png",
		Provider:       p.name,
	}, nil
}

type fakeProfiles struct{}

func (fakeProfiles) Upsert(_ context.Context, identity *model.Identity) (*model.UserProfile, error) {
	return identity.MinimalProfile(time.Now().UTC()), nil
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*model.Session)}
}

func (m *memSessionRepo) Create(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *memSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || time.Now().After(s.ExpiresAt) {
		return nil, nil
	}
	return s, nil
}

func (m *memSessionRepo) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memSessionRepo) DeleteExpired(context.Context) (int64, error) { return 0, nil }

func (m *memSessionRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

type memMagicLinkRepo struct {
	mu    sync.Mutex
	links map[string]*model.MagicLink
}

func newMemMagicLinkRepo() *memMagicLinkRepo {
	return &memMagicLinkRepo{links: make(map[string]*model.MagicLink)}
}

func (m *memMagicLinkRepo) Create(_ context.Context, link *model.MagicLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[link.ID] = link
	return nil
}

func (m *memMagicLinkRepo) Consume(_ context.Context, id string, now time.Time) (*model.MagicLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[id]
	switch {
	case !ok:
		return nil, repository.ErrMagicLinkNotFound
	case link.ConsumedAt != nil:
		return nil, repository.ErrMagicLinkConsumed
	case now.After(link.ExpiresAt):
		return nil, repository.ErrMagicLinkExpired
	}
	link.ConsumedAt = &now
	return link, nil
}

func (m *memMagicLinkRepo) DeleteStale(context.Context, time.Time) (int64, error) { return 0, nil }

// captureMailer は送信したメールを記録する。
type captureMailer struct {
	mu     sync.Mutex
	bodies []string
}

func (m *captureMailer) Send(_ context.Context, _, _, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies = append(m.bodies, body)
	return nil
}

var linkPattern = regexp.MustCompile(`https?://\S+`)

// lastLink は最後に送信したサインインリンクのパスとクエリを返す。
func (m *captureMailer) lastLink(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.bodies) == 0 {
		t.Fatal("no mail was sent")
	}
	raw := linkPattern.FindString(m.bodies[len(m.bodies)-1])
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse link %q: %v", raw, err)
	}
	return u.RequestURI()
}

// compile-time interface check
var (
	_ auth.OAuthProvider             = (*fakeProvider)(nil)
	_ auth.ProfileUpserter           = fakeProfiles{}
	_ repository.SessionRepository   = (*memSessionRepo)(nil)
	_ repository.MagicLinkRepository = (*memMagicLinkRepo)(nil)
	_ auth.Mailer                    = (*captureMailer)(nil)
	_ Gateway                        = (*auth.Gateway)(nil)
	_ middleware.RedirectReconciler  = (*auth.Reconciler)(nil)
	_ HealthChecker                  = stubHealthChecker{}
)

type stubHealthChecker struct {
	err error
}

func (s stubHealthChecker) PingContext(context.Context) error { return s.err }

// --- テスト環境 ---

type testEnv struct {
	server   *httptest.Server
	gateway  *auth.Gateway
	sessions *memSessionRepo
	mailer   *captureMailer
}

type envOption func(*auth.GatewayConfig, *RouterDeps)

func withForceRedirect() envOption {
	return func(c *auth.GatewayConfig, d *RouterDeps) {
		c.ForceRedirect = true
		d.ForceRedirect = true
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	renderer, err := view.NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer() error = %v", err)
	}

	env := &testEnv{sessions: newMemSessionRepo(), mailer: &captureMailer{}}
	config := auth.GatewayConfig{
		BaseURL:            "http://mess.test",
		SessionMaxAge:      3600,
		MagicLinkTTL:       15 * time.Minute,
		PopupFallbackCodes: []string{auth.CodePopupBlocked},
	}
	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	deps := &RouterDeps{
		Storage:         storage.NewCookieProvider(storage.CookieOptions{Secret: []byte("cookie-secret"), LocalMaxAge: 3600}),
		RateLimiter:     limiter,
		StreamKeepAlive: time.Second,
		Renderer:        renderer,
		Menu:            menu.Default(),
		Sanitizer:       security.NewContentSanitizer(),
		HealthChecker:   stubHealthChecker{},
	}
	for _, opt := range opts {
		opt(&config, deps)
	}

	env.gateway = auth.NewGateway(auth.GatewayDeps{
		Providers:  []auth.OAuthProvider{&fakeProvider{name: auth.ProviderGoogle}, &fakeProvider{name: auth.ProviderGitHub}},
		Profiles:   fakeProfiles{},
		Sessions:   env.sessions,
		MagicLinks: newMemMagicLinkRepo(),
		Tokens:     auth.NewTokenIssuer([]byte("token-secret"), nil),
		Mailer:     env.mailer,
	}, config)
	deps.Gateway = env.gateway
	deps.Reconciler = auth.NewReconciler(env.gateway)

	env.server = httptest.NewServer(NewRouter(deps))
	t.Cleanup(env.server.Close)
	return env
}

// newBrowser はCookieを保持し、リダイレクトを追跡しないクライアントを返す。
func (e *testEnv) newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New() error = %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: 5 * time.Second,
	}
}

func (e *testEnv) get(t *testing.T, c *http.Client, path string) *http.Response {
	t.Helper()
	resp, err := c.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s error = %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// postForm はCSRFトークンを付与してフォームを送信する。
func (e *testEnv) postForm(t *testing.T, c *http.Client, path string, form url.Values) *http.Response {
	t.Helper()
	form.Set("csrf_token", e.csrfToken(t, c))
	resp, err := c.PostForm(e.server.URL+path, form)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// postJSON はCSRFヘッダーを付与してJSONを送信する。
func (e *testEnv) postJSON(t *testing.T, c *http.Client, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", e.csrfToken(t, c))
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("POST %s error = %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// csrfToken はブラウザが保持するCSRFトークンを返す。なければページを読み込んで取得する。
func (e *testEnv) csrfToken(t *testing.T, c *http.Client) string {
	t.Helper()
	u, _ := url.Parse(e.server.URL)
	for _, cookie := range c.Jar.Cookies(u) {
		if cookie.Name == "csrf_token" {
			return cookie.Value
		}
	}
	e.get(t, c, "/rules")
	for _, cookie := range c.Jar.Cookies(u) {
		if cookie.Name == "csrf_token" {
			return cookie.Value
		}
	}
	t.Fatal("no csrf_token cookie")
	return ""
}

func (e *testEnv) hasCookie(c *http.Client, name string) bool {
	u, _ := url.Parse(e.server.URL)
	for _, cookie := range c.Jar.Cookies(u) {
		if cookie.Name == name && cookie.Value != "" {
			return true
		}
	}
	return false
}

// signInWithRedirect はリダイレクト方式でサインインを完了させる。
func (e *testEnv) signInWithRedirect(t *testing.T, c *http.Client, provider, next string) *http.Response {
	t.Helper()
	start := e.get(t, c, fmt.Sprintf("/auth/%s/login?mode=redirect&next=%s", provider, url.QueryEscape(next)))
	if start.StatusCode != http.StatusFound {
		t.Fatalf("start status = %d, want %d", start.StatusCode, http.StatusFound)
	}
	state := stateFromLocation(t, start)
	return e.get(t, c, fmt.Sprintf("/auth/%s/callback?state=%s&code=ok", provider, url.QueryEscape(state)))
}

func stateFromLocation(t *testing.T, resp *http.Response) string {
	t.Helper()
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatalf("Location %q has no state", resp.Header.Get("Location"))
	}
	return state
}
