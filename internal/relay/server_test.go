package relay

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newSignedSession(t *testing.T) (*SigningValidator, ed25519.PrivateKey, *Session, time.Time) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	v := NewSigningValidator()
	v.now = fixedClock(now)
	s := v.RegisterSession("sess-1", pub)
	return v, priv, s, now
}

func TestValidateAcceptsWellFormedSignedRequest(t *testing.T) {
	v, priv, _, now := newSignedSession(t)
	payload := []byte("GET /commands")
	sig := ed25519.Sign(priv, payload)

	err := v.Validate("sess-1", now, "nonce-1", sig, payload)
	require.NoError(t, err)
}

func TestValidateRejectsUnknownSession(t *testing.T) {
	v, priv, _, now := newSignedSession(t)
	payload := []byte("GET /commands")
	sig := ed25519.Sign(priv, payload)

	err := v.Validate("no-such-session", now, "nonce-1", sig, payload)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestValidateRejectsExcessiveClockDrift(t *testing.T) {
	v, priv, _, now := newSignedSession(t)
	payload := []byte("GET /commands")
	sig := ed25519.Sign(priv, payload)

	err := v.Validate("sess-1", now.Add(-45*time.Second), "nonce-1", sig, payload)
	require.ErrorIs(t, err, ErrClockDrift)
}

func TestValidateRejectsEmptyAndOversizedNonce(t *testing.T) {
	v, priv, _, now := newSignedSession(t)
	payload := []byte("GET /commands")
	sig := ed25519.Sign(priv, payload)

	require.ErrorIs(t, v.Validate("sess-1", now, "", sig, payload), ErrInvalidNonce)

	oversized := make([]byte, 129)
	for i := range oversized {
		oversized[i] = 'a'
	}
	require.ErrorIs(t, v.Validate("sess-1", now, string(oversized), sig, payload), ErrInvalidNonce)
}

func TestValidateRejectsReplayedNonce(t *testing.T) {
	v, priv, _, now := newSignedSession(t)
	payload := []byte("GET /commands")
	sig := ed25519.Sign(priv, payload)

	require.NoError(t, v.Validate("sess-1", now, "nonce-1", sig, payload))
	err := v.Validate("sess-1", now.Add(time.Second), "nonce-1", sig, payload)
	require.ErrorIs(t, err, ErrNonceReplayed)
}

func TestValidateAllowsNonceReuseAfterReplayWindow(t *testing.T) {
	v, priv, _, now := newSignedSession(t)
	payload := []byte("GET /commands")
	sig := ed25519.Sign(priv, payload)

	require.NoError(t, v.Validate("sess-1", now, "nonce-1", sig, payload))

	later := now.Add(NonceReplayWindow + time.Second)
	v.now = fixedClock(later)
	err := v.Validate("sess-1", later, "nonce-1", sig, payload)
	require.NoError(t, err)
}

func TestValidateRejectsBadSignature(t *testing.T) {
	v, _, _, now := newSignedSession(t)
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	payload := []byte("GET /commands")
	badSig := ed25519.Sign(otherPriv, payload)

	err = v.Validate("sess-1", now, "nonce-1", badSig, payload)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestValidateRejectsSessionPastAbsoluteTTL(t *testing.T) {
	v, priv, _, now := newSignedSession(t)
	payload := []byte("GET /commands")
	sig := ed25519.Sign(priv, payload)

	later := now.Add(SessionAbsoluteTTL + time.Minute)
	v.now = fixedClock(later)
	err := v.Validate("sess-1", later, "nonce-1", sig, payload)
	require.ErrorIs(t, err, ErrSessionExpired)
	require.Equal(t, 0, v.SessionCount())
}

func TestValidateRejectsSessionPastIdleTTL(t *testing.T) {
	v, priv, _, now := newSignedSession(t)
	payload := []byte("GET /commands")
	sig := ed25519.Sign(priv, payload)

	later := now.Add(SessionIdleTTL + time.Minute)
	v.now = fixedClock(later)
	err := v.Validate("sess-1", later, "nonce-1", sig, payload)
	require.ErrorIs(t, err, ErrSessionExpired)
}
