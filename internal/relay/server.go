package relay

import (
	"crypto/ed25519"
	"errors"
	"sync"
	"time"
)

// Signing-session validation constants, per spec §4.H.
const (
	MaxClockDrift      = 30 * time.Second
	MaxNonceLength     = 128
	NonceReplayWindow  = 2 * time.Minute
	SessionAbsoluteTTL = time.Hour
	SessionIdleTTL     = 15 * time.Minute
)

var (
	ErrSessionNotFound  = errors.New("relay: signing session not found")
	ErrSessionExpired   = errors.New("relay: signing session expired")
	ErrClockDrift       = errors.New("relay: timestamp outside allowed clock drift")
	ErrInvalidNonce     = errors.New("relay: nonce empty or too long")
	ErrNonceReplayed    = errors.New("relay: nonce already seen")
	ErrInvalidSignature = errors.New("relay: signature verification failed")
)

// Session is a browser-originated signing session registered with the
// coordinator: every signed request it makes is verified against PublicKey.
type Session struct {
	ID         string
	PublicKey  ed25519.PublicKey
	CreatedAt  time.Time
	LastSeenAt time.Time
}

func (s *Session) expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > SessionAbsoluteTTL || now.Sub(s.LastSeenAt) > SessionIdleTTL
}

// SigningValidator is the coordinator-side guard on inbound signed
// requests: a single map, guarded by one write lock, consulted only on the
// validation hot path (spec §5 "Relay signing sessions"), with nonce-replay
// eviction running inline before each lookup rather than on a background
// timer.
type SigningValidator struct {
	mu       sync.Mutex
	sessions map[string]*Session
	nonces   map[string]map[string]time.Time // sessionID -> nonce -> seenAt
	now      func() time.Time
}

// NewSigningValidator creates a SigningValidator.
func NewSigningValidator() *SigningValidator {
	return &SigningValidator{
		sessions: make(map[string]*Session),
		nonces:   make(map[string]map[string]time.Time),
		now:      time.Now,
	}
}

// RegisterSession starts a new signing session for a browser public key.
func (v *SigningValidator) RegisterSession(id string, publicKey ed25519.PublicKey) *Session {
	v.mu.Lock()
	defer v.mu.Unlock()
	now := v.now()
	s := &Session{ID: id, PublicKey: publicKey, CreatedAt: now, LastSeenAt: now}
	v.sessions[id] = s
	v.nonces[id] = make(map[string]time.Time)
	return s
}

// Validate checks a signed request's (timestamp, nonce, signature) tuple
// against sessionID's stored public key and replay state, per spec §4.H.
// signedPayload is whatever bytes the session's signature was computed
// over (typically method+path+timestamp+nonce+body hash).
func (v *SigningValidator) Validate(sessionID string, timestamp time.Time, nonce string, signature, signedPayload []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()

	session, ok := v.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if session.expired(now) {
		delete(v.sessions, sessionID)
		delete(v.nonces, sessionID)
		return ErrSessionExpired
	}

	if drift := now.Sub(timestamp); drift > MaxClockDrift || drift < -MaxClockDrift {
		return ErrClockDrift
	}

	if nonce == "" || len(nonce) > MaxNonceLength {
		return ErrInvalidNonce
	}

	seen := v.nonces[sessionID]
	v.evictExpiredNonces(seen, now)
	if _, replayed := seen[nonce]; replayed {
		return ErrNonceReplayed
	}

	if !ed25519.Verify(session.PublicKey, signedPayload, signature) {
		return ErrInvalidSignature
	}

	seen[nonce] = now
	session.LastSeenAt = now
	return nil
}

// evictExpiredNonces drops nonces older than NonceReplayWindow, run inline
// on the validation hot path rather than via a background sweep.
func (v *SigningValidator) evictExpiredNonces(seen map[string]time.Time, now time.Time) {
	for nonce, seenAt := range seen {
		if now.Sub(seenAt) > NonceReplayWindow {
			delete(seen, nonce)
		}
	}
}

// SessionCount reports how many signing sessions are currently tracked, for
// tests and diagnostics.
func (v *SigningValidator) SessionCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.sessions)
}
