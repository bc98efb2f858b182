// Package tokencache implements the encrypted, per-session exchanged-token
// cache that sits in front of the token exchange engine. Every entry is
// sealed with AES-256-GCM under a random key generated once per session and bound to
// the requestor's original JWT via the GCM additional data, so a cache
// entry copied into a different session's bucket fails to decrypt rather
// than silently granting access.
package tokencache

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/authbroker/pkg/logging"
	"github.com/stacklok/authbroker/pkg/metrics"
)

// Auditor is the append sink Cache reports decryption failures and session
// invalidations through.
type Auditor interface {
	Append(ctx context.Context, entry map[string]any)
}

// DeriveSessionID returns the session identifier for requestorJWT: the hex
// SHA-256 digest of the JWT itself, the same value modules and the registry
// use to namespace a requestor's cache bucket without ever storing the raw
// token.
func DeriveSessionID(requestorJWT string) string {
	sum := sha256.Sum256([]byte(requestorJWT))
	return hex.EncodeToString(sum[:])
}

// ErrMiss is returned by Get when no entry exists for the key, including
// when it existed but expired or the session was evicted.
var ErrMiss = errors.New("tokencache: miss")

// Entry is the plaintext exchanged-token record a caller stores and later
// retrieves. Cache never logs or serializes it outside the sealed blob.
type Entry struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	Scope       string
}

type sealedEntry struct {
	ciphertext []byte
	expiresAt  time.Time
}

// session is one requestor's encrypted bucket: a fresh AES-256 key
// generated at first use and entries keyed by an exchange-specific cache
// key (the token exchange engine uses audience + resource + scope).
type session struct {
	key       [32]byte
	aad       []byte // SHA-256(requestorJWT)
	entries   map[string]sealedEntry
	touchedAt time.Time
}

// Cache is the process-wide encrypted token cache. One Cache instance is
// shared by every delegation module; sessions and entries are namespaced by
// the requestor JWT's derived session ID so requestors never see each
// other's entries. Within one session, modules that use the same cache key
// share the entry stored under it.
type Cache struct {
	mu                   sync.Mutex
	sessions             map[string]*session
	sessionTimeout       time.Duration
	entryTTL             time.Duration
	maxEntriesPerSession int
	maxTotalEntries      int
	totalEntries         int
	auditor              Auditor

	stopSweep chan struct{}
}

// Config mirrors config.CacheConfig once a module's token-exchange config
// has been validated and is guaranteed enabled.
type Config struct {
	TTL                  time.Duration
	SessionTimeout       time.Duration
	MaxEntriesPerSession int
	MaxTotalEntries      int
}

// New constructs a Cache and starts its 60-second eviction sweeper, stopped
// when ctx is cancelled. auditor may be nil, in which case cache
// invalidations go unrecorded.
func New(ctx context.Context, cfg Config, auditor Auditor) *Cache {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Minute
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxEntriesPerSession <= 0 {
		cfg.MaxEntriesPerSession = 64
	}
	if cfg.MaxTotalEntries <= 0 {
		cfg.MaxTotalEntries = 100_000
	}

	c := &Cache{
		sessions:             make(map[string]*session),
		sessionTimeout:       cfg.SessionTimeout,
		entryTTL:             cfg.TTL,
		maxEntriesPerSession: cfg.MaxEntriesPerSession,
		maxTotalEntries:      cfg.MaxTotalEntries,
		auditor:              auditor,
		stopSweep:            make(chan struct{}),
	}
	go c.sweepLoop(ctx)
	return c
}

func (c *Cache) audit(ctx context.Context, sessionID, action, reason string) {
	if c.auditor == nil {
		return
	}
	c.auditor.Append(ctx, map[string]any{
		"source":  "tokencache",
		"success": false,
		"action":  action,
		"target":  sessionID,
		"reason":  reason,
	})
}

func (c *Cache) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for sessionID, s := range c.sessions {
		if now.Sub(s.touchedAt) > c.sessionTimeout {
			c.totalEntries -= len(s.entries)
			zeroize(s.key[:])
			delete(c.sessions, sessionID)
			continue
		}
		for key, e := range s.entries {
			if now.After(e.expiresAt) {
				delete(s.entries, key)
				c.totalEntries--
			}
		}
	}
	metrics.TokenCacheEntries.Set(float64(c.totalEntries))
	metrics.TokenCacheSessions.Set(float64(len(c.sessions)))
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Stop halts the eviction sweeper.
func (c *Cache) Stop() {
	close(c.stopSweep)
}

func (c *Cache) sessionFor(ctx context.Context, sessionID, requestorJWT string) *session {
	s, rebind := c.sessionForLocked(sessionID, requestorJWT)
	if rebind {
		c.audit(ctx, sessionID, "cache_invalidation", "aad mismatch on session rebind")
	}
	return s
}

// sessionForLocked does the actual bucket lookup/creation under lock and
// reports whether an existing bucket was invalidated by an AAD mismatch, so
// the caller can audit it without holding c.mu during the Append call.
func (c *Cache) sessionForLocked(sessionID, requestorJWT string) (s *session, rebind bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	aad := sha256.Sum256([]byte(requestorJWT))
	if ok {
		// A session rebinding to a different requestor JWT (session ID reuse
		// across distinct principals) invalidates the existing bucket rather
		// than risk cross-principal decryption. sessionID is itself derived
		// from requestorJWT (see DeriveSessionID), so a legitimate caller
		// can never trigger this; its only path is a forged or reused
		// session identifier.
		if subtle.ConstantTimeCompare(s.aad, aad[:]) != 1 {
			c.totalEntries -= len(s.entries)
			zeroize(s.key[:])
			ok = false
			rebind = true
		}
	}
	if !ok {
		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			// crypto/rand failures are unrecoverable; a session simply
			// cannot be created and every Get/Put against it will miss.
			logging.Errorf("tokencache: generate session key: %v", err)
			return nil, rebind
		}
		s = &session{key: key, aad: aad[:], entries: make(map[string]sealedEntry)}
		c.sessions[sessionID] = s
	}
	s.touchedAt = time.Now()
	return s, rebind
}

// ActivateSession establishes (or refreshes) the encrypted bucket for
// requestorJWT and returns its sessionID, without storing any entry. Callers
// that want to warm a session ahead of the first token exchange use this;
// Put implicitly activates the session on first write.
func (c *Cache) ActivateSession(ctx context.Context, requestorJWT string) string {
	sessionID := DeriveSessionID(requestorJWT)
	c.sessionFor(ctx, sessionID, requestorJWT)
	return sessionID
}

// Heartbeat extends a session's idle timeout without performing any
// cryptographic operation against it, for long-lived requestors whose
// delegation traffic would otherwise go quiet long enough to be swept.
// It is a no-op if sessionID is not currently active.
func (c *Cache) Heartbeat(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sessionID]; ok {
		s.touchedAt = time.Now()
	}
}

// Put seals entry under (requestorJWT, cacheKey), bound to requestorJWT via
// AAD. It evicts the session's earliest-expiring entry if
// MaxEntriesPerSession is reached. Once MaxTotalEntries is reached it
// rejects the write with an error (counted in TokenCacheRejections);
// entries in other sessions are not evicted to make room. The cache is
// advisory, so a rejected write only means a later miss falls through to a
// fresh token exchange.
func (c *Cache) Put(ctx context.Context, requestorJWT, cacheKey string, entry Entry) error {
	sessionID := DeriveSessionID(requestorJWT)
	gcm, err := c.gcm(ctx, sessionID, requestorJWT)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("tokencache: generate nonce: %w", err)
	}
	plaintext := fmt.Sprintf("%s\x00%s\x00%d\x00%s", entry.AccessToken, entry.TokenType, entry.ExpiresAt.Unix(), entry.Scope)
	sealed := gcm.gcm.Seal(nonce, nonce, []byte(plaintext), gcm.s.aad)

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return fmt.Errorf("tokencache: session vanished during seal")
	}
	if c.totalEntries >= c.maxTotalEntries {
		metrics.TokenCacheRejections.Inc()
		return fmt.Errorf("tokencache: total entry cap reached")
	}
	if len(s.entries) >= c.maxEntriesPerSession {
		c.evictOldestLocked(s)
	}
	if _, exists := s.entries[cacheKey]; !exists {
		c.totalEntries++
	}
	s.entries[cacheKey] = sealedEntry{ciphertext: sealed, expiresAt: entry.ExpiresAt}
	metrics.TokenCacheEntries.Set(float64(c.totalEntries))
	return nil
}

func (c *Cache) evictOldestLocked(s *session) {
	var oldestKey string
	var oldestExp time.Time
	first := true
	for k, e := range s.entries {
		if first || e.expiresAt.Before(oldestExp) {
			oldestKey, oldestExp, first = k, e.expiresAt, false
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
		c.totalEntries--
	}
}

// Get unseals the entry stored under (requestorJWT, cacheKey). It returns
// ErrMiss if absent, expired, or if decryption fails for any reason
// (wrong AAD, corrupted ciphertext, key mismatch) — callers must not
// distinguish "tampered" from "not found" at this layer, since doing so
// would give an attacker an oracle for guessing cache keys.
func (c *Cache) Get(ctx context.Context, requestorJWT, cacheKey string) (Entry, error) {
	sessionID := DeriveSessionID(requestorJWT)
	gcm, err := c.gcm(ctx, sessionID, requestorJWT)
	if err != nil {
		metrics.TokenCacheMisses.Inc()
		return Entry{}, ErrMiss
	}

	c.mu.Lock()
	sealed, ok := gcm.s.entries[cacheKey]
	c.mu.Unlock()
	if !ok {
		metrics.TokenCacheMisses.Inc()
		return Entry{}, ErrMiss
	}
	if time.Now().After(sealed.expiresAt) {
		metrics.TokenCacheMisses.Inc()
		return Entry{}, ErrMiss
	}

	nonceSize := gcm.gcm.NonceSize()
	if len(sealed.ciphertext) < nonceSize {
		metrics.TokenCacheMisses.Inc()
		return Entry{}, ErrMiss
	}
	nonce, rest := sealed.ciphertext[:nonceSize], sealed.ciphertext[nonceSize:]
	plaintext, err := gcm.gcm.Open(nil, nonce, rest, gcm.s.aad)
	if err != nil {
		logging.Warnf("tokencache: decrypt failed for session %s key %s: %v", sessionID, cacheKey, err)
		c.audit(ctx, sessionID, "cache_invalidation", fmt.Sprintf("decryption failed for key %s", cacheKey))
		metrics.TokenCacheMisses.Inc()
		return Entry{}, ErrMiss
	}

	entry := parsePlaintext(string(plaintext))
	if entry.AccessToken == "" {
		metrics.TokenCacheMisses.Inc()
		return Entry{}, ErrMiss
	}
	metrics.TokenCacheHits.Inc()
	return entry, nil
}

func parsePlaintext(s string) Entry {
	parts := splitNUL(s)
	if len(parts) != 4 {
		return Entry{}
	}
	var expiresAt time.Time
	var unix int64
	if _, err := fmt.Sscanf(parts[2], "%d", &unix); err == nil {
		expiresAt = time.Unix(unix, 0)
	}
	return Entry{AccessToken: parts[0], TokenType: parts[1], ExpiresAt: expiresAt, Scope: parts[3]}
}

func splitNUL(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// Clear zeroizes and removes requestorJWT's bucket entirely.
func (c *Cache) Clear(requestorJWT string) {
	sessionID := DeriveSessionID(requestorJWT)
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return
	}
	c.totalEntries -= len(s.entries)
	zeroize(s.key[:])
	delete(c.sessions, sessionID)
	metrics.TokenCacheEntries.Set(float64(c.totalEntries))
}

type boundGCM struct {
	gcm cipher.AEAD
	s   *session
}

func (c *Cache) gcm(ctx context.Context, sessionID, requestorJWT string) (boundGCM, error) {
	s := c.sessionFor(ctx, sessionID, requestorJWT)
	if s == nil {
		return boundGCM{}, fmt.Errorf("tokencache: could not establish session")
	}
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return boundGCM{}, fmt.Errorf("tokencache: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return boundGCM{}, fmt.Errorf("tokencache: init GCM: %w", err)
	}
	return boundGCM{gcm: gcm, s: s}, nil
}
