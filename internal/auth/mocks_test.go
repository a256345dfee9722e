package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hitoshi/messmenu/internal/model"
	"github.com/hitoshi/messmenu/internal/storage"
)

// --- テスト用モック ---

type mockOAuthProvider struct {
	name       string
	exchangeFn func(ctx context.Context, code string) (*OAuthUserInfo, error)
}

func (m *mockOAuthProvider) Name() string { return m.name }

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	return "https://idp.example.com/" + m.name + "/authorize?state=" + state
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, code)
	}
	return &OAuthUserInfo{
		ProviderUserID: "sub-1",
		Email:          "asha@example.edu",
		Name:           "Asha Rao",
		AvatarURL:      "https://img.example.com/asha.png",
		Provider:       m.name,
	}, nil
}

type mockSessionRepo struct {
	createFn     func(ctx context.Context, session *model.Session) error
	findByIDFn   func(ctx context.Context, id string) (*model.Session, error)
	deleteByIDFn func(ctx context.Context, id string) error
	created      []*model.Session
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	m.created = append(m.created, session)
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

func (m *mockSessionRepo) DeleteExpired(ctx context.Context) (int64, error)          { return 0, nil }

type mockMagicLinkRepo struct {
	createFn  func(ctx context.Context, link *model.MagicLink) error
	consumeFn func(ctx context.Context, id string, now time.Time) (*model.MagicLink, error)
	created   []*model.MagicLink
}

func (m *mockMagicLinkRepo) Create(ctx context.Context, link *model.MagicLink) error {
	m.created = append(m.created, link)
	if m.createFn != nil {
		return m.createFn(ctx, link)
	}
	return nil
}

func (m *mockMagicLinkRepo) Consume(ctx context.Context, id string, now time.Time) (*model.MagicLink, error) {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, id, now)
	}
	return &model.MagicLink{ID: id, ConsumedAt: &now}, nil
}

func (m *mockMagicLinkRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type mockProfiles struct {
	upsertFn func(ctx context.Context, identity *model.Identity) (*model.UserProfile, error)
	calls    []*model.Identity
}

func (m *mockProfiles) Upsert(ctx context.Context, identity *model.Identity) (*model.UserProfile, error) {
	m.calls = append(m.calls, identity)
	if m.upsertFn != nil {
		return m.upsertFn(ctx, identity)
	}
	return &model.UserProfile{
		ID:          identity.UID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
		Provider:    identity.Provider,
	}, nil
}

type sentMail struct {
	to, subject, body string
}

type mockMailer struct {
	err  error
	sent []sentMail
}

func (m *mockMailer) Send(_ context.Context, to, subject, body string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

type recordingRecorder struct {
	mu       sync.Mutex
	started  []string
	failures []string
	silent   []bool
	sent     int
	outcomes []string
}

func (r *recordingRecorder) SignInStarted(provider, mode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, provider+"/"+mode)
}

func (r *recordingRecorder) AuthFailure(code string, silent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, code)
	r.silent = append(r.silent, silent)
}

func (r *recordingRecorder) MagicLinkSent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent++
}

func (r *recordingRecorder) ReconcileOutcome(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

// failingStore は全操作でエラーを返すStore。
type failingStore struct{}

var errStoreUnavailable = errors.New("storage unavailable")

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errStoreUnavailable
}
func (failingStore) Set(context.Context, string, string) error { return errStoreUnavailable }
func (failingStore) Delete(context.Context, string) error      { return errStoreUnavailable }

var _ storage.Store = failingStore{}

// testClock は手動で進められる時計。
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// gatewayFixture はテスト用Gatewayとその依存をまとめたもの。
type gatewayFixture struct {
	gateway    *Gateway
	sessions   *mockSessionRepo
	magicLinks *mockMagicLinkRepo
	profiles   *mockProfiles
	mailer     *mockMailer
	recorder   *recordingRecorder
	clock      *testClock
	broker     *StateBroker
}

func newGatewayFixture(config GatewayConfig, providers ...OAuthProvider) *gatewayFixture {
	if len(providers) == 0 {
		providers = []OAuthProvider{
			&mockOAuthProvider{name: ProviderGoogle},
			&mockOAuthProvider{name: ProviderGitHub},
		}
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.SessionMaxAge == 0 {
		config.SessionMaxAge = 3600
	}
	if config.MagicLinkTTL == 0 {
		config.MagicLinkTTL = 15 * time.Minute
	}

	f := &gatewayFixture{
		sessions:   &mockSessionRepo{},
		magicLinks: &mockMagicLinkRepo{},
		profiles:   &mockProfiles{},
		mailer:     &mockMailer{},
		recorder:   &recordingRecorder{},
		clock:      &testClock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)},
		broker:     NewStateBroker(),
	}
	f.gateway = NewGateway(GatewayDeps{
		Providers:  providers,
		Profiles:   f.profiles,
		Sessions:   f.sessions,
		MagicLinks: f.magicLinks,
		Tokens:     NewTokenIssuer([]byte("test-session-secret-32bytes-long!"), f.clock.Now),
		Mailer:     f.mailer,
		Broker:     f.broker,
		Recorder:   f.recorder,
		Now:        f.clock.Now,
	}, config)
	return f
}
