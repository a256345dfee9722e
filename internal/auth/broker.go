package auth

import (
	"context"
	"sync"

	"github.com/hitoshi/messmenu/internal/model"
)

// StateBroker はクライアントごとの認証状態の変化を購読者に配信する。
// 購読者ごとに容量1のチャネルを持ち、未受信の値は最新の値で置き換える。
type StateBroker struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// NewStateBroker はStateBrokerを生成する。
func NewStateBroker() *StateBroker {
	return &StateBroker{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscription は認証状態の購読。Closeの呼び出しは購読者の責任。
type Subscription struct {
	ch       chan model.AuthState
	broker   *StateBroker
	clientID string
	once     sync.Once
	done     chan struct{}
}

// Updates は認証状態を受信するチャネルを返す。
// 最初の値は購読時点の状態。Close後にチャネルは閉じられる。
func (s *Subscription) Updates() <-chan model.AuthState {
	return s.ch
}

// Close は購読を解除する。複数回呼び出しても安全。
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.done)
	})
}

// Subscribe はclientIDの購読を登録し、initialを最初の値として配信する。
// ctxがキャンセルされると購読は自動的に解除される。
func (b *StateBroker) Subscribe(ctx context.Context, clientID string, initial model.AuthState) *Subscription {
	sub := &Subscription{
		ch:       make(chan model.AuthState, 1),
		broker:   b,
		clientID: clientID,
		done:     make(chan struct{}),
	}
	sub.ch <- initial

	b.mu.Lock()
	set, ok := b.subs[clientID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[clientID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub
}

// Publish はclientIDの全購読者に状態を配信する。
// 受信側が遅れている場合は未受信の古い値を捨てて最新の値を残す。
func (b *StateBroker) Publish(clientID string, state model.AuthState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[clientID] {
		select {
		case sub.ch <- state:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- state:
			default:
			}
		}
	}
}

// Subscribers は全クライアントの購読者数を返す。
func (b *StateBroker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

func (b *StateBroker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[sub.clientID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.clientID)
	}
	// ロック下で閉じるため、Publishとの競合は起きない
	close(sub.ch)
}
