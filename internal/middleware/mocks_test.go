package middleware

import (
	"context"
	"net/url"

	"github.com/hitoshi/messmenu/internal/auth"
	"github.com/hitoshi/messmenu/internal/model"
	"github.com/hitoshi/messmenu/internal/storage"
)

// --- モック定義 ---

type mockStateReader struct {
	states map[string]model.AuthState
	calls  []string
}

func (m *mockStateReader) CurrentState(_ context.Context, sessionID string) model.AuthState {
	m.calls = append(m.calls, sessionID)
	return m.states[sessionID]
}

// brokerObserver は実際のStateBrokerで購読を発行するAuthObserver。
type brokerObserver struct {
	broker  *auth.StateBroker
	states  map[string]model.AuthState
	clients []string
}

func newBrokerObserver(states map[string]model.AuthState) *brokerObserver {
	return &brokerObserver{broker: auth.NewStateBroker(), states: states}
}

func (o *brokerObserver) ObserveAuthState(ctx context.Context, clientID, sessionID string) *auth.Subscription {
	o.clients = append(o.clients, clientID)
	return o.broker.Subscribe(ctx, clientID, o.states[sessionID])
}

type mockReconciler struct {
	outcome auth.Outcome
	queries []url.Values
}

func (m *mockReconciler) Reconcile(_ context.Context, _ storage.Store, query url.Values) auth.Outcome {
	m.queries = append(m.queries, query)
	return m.outcome
}

type mockEstablisher struct {
	session  *model.Session
	err      error
	profiles []*model.UserProfile
	clientID string
}

func (m *mockEstablisher) EstablishSession(_ context.Context, _ storage.Store, clientID string, profile *model.UserProfile) (*model.Session, error) {
	m.profiles = append(m.profiles, profile)
	m.clientID = clientID
	return m.session, m.err
}

// compile-time interface check
var (
	_ StateReader        = (*mockStateReader)(nil)
	_ AuthObserver       = (*brokerObserver)(nil)
	_ RedirectReconciler = (*mockReconciler)(nil)
	_ SessionEstablisher = (*mockEstablisher)(nil)
	_ AuthObserver       = (*auth.Gateway)(nil)
	_ StateReader        = (*auth.Gateway)(nil)
	_ SessionEstablisher = (*auth.Gateway)(nil)
	_ RedirectReconciler = (*auth.Reconciler)(nil)
)
