package oauthredirect

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testSession() session {
	now := time.Now()
	return session{
		codeVerifier:  "verifier",
		codeChallenge: "challenge",
		state:         "state",
		redirectURI:   "https://client.example/callback",
		scopes:        []string{"openid", "profile"},
		createdAt:     now,
		expiresAt:     now.Add(time.Hour),
	}
}

func TestMemoryStoreSaveAndLoadAndDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryStore(ctx)
	defer store.Close()

	s := testSession()
	require.NoError(t, store.Save(ctx, "sess-1", s, time.Hour))

	got, err := store.LoadAndDelete(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, s.state, got.state)
	require.Equal(t, s.codeVerifier, got.codeVerifier)

	_, err = store.LoadAndDelete(ctx, "sess-1")
	require.ErrorIs(t, err, errSessionNotFound)
}

func TestMemoryStoreExpiredSessionNotReturned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryStore(ctx)
	defer store.Close()

	s := testSession()
	s.expiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Save(ctx, "sess-expired", s, time.Hour))

	_, err := store.LoadAndDelete(ctx, "sess-expired")
	require.ErrorIs(t, err, errSessionNotFound)
}

func newTestRedisStore(t *testing.T) (*redisStore, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := &redisStore{client: client, prefix: "authbroker:oauthsession:"}
	return store, func() {
		_ = client.Close()
		mr.Close()
	}
}

func TestRedisStoreSaveAndLoadAndDelete(t *testing.T) {
	store, cleanup := newTestRedisStore(t)
	defer cleanup()

	ctx := context.Background()
	s := testSession()
	require.NoError(t, store.Save(ctx, "sess-1", s, time.Hour))

	got, err := store.LoadAndDelete(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, s.state, got.state)
	require.Equal(t, s.redirectURI, got.redirectURI)
	require.ElementsMatch(t, s.scopes, got.scopes)

	_, err = store.LoadAndDelete(ctx, "sess-1")
	require.ErrorIs(t, err, errSessionNotFound)
}

func TestRedisStoreUnknownSession(t *testing.T) {
	store, cleanup := newTestRedisStore(t)
	defer cleanup()

	_, err := store.LoadAndDelete(context.Background(), "missing")
	require.ErrorIs(t, err, errSessionNotFound)
}

func TestRedisStoreHonorsRedisTTL(t *testing.T) {
	store, cleanup := newTestRedisStore(t)
	defer cleanup()

	ctx := context.Background()
	s := testSession()
	require.NoError(t, store.Save(ctx, "sess-ttl", s, time.Millisecond))

	time.Sleep(50 * time.Millisecond)

	_, err := store.LoadAndDelete(ctx, "sess-ttl")
	require.ErrorIs(t, err, errSessionNotFound)
}
