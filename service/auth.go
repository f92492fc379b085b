package service

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	wrapErrors "github.com/linlinbupt123-crypto/hdwallet_core/errors"
)

// ErrSecondFactorRejected is returned for an unknown, expired or already
// used second-factor token.
var ErrSecondFactorRejected = wrapErrors.New("second factor rejected")

// SecondFactor checks a one-time token (OTP, biometric assertion) bound to a
// user. Verify must not use the token up; Consume does, and is only called
// once the guarded broadcast succeeded, so a failed broadcast can be retried
// with the same token.
type SecondFactor interface {
	Verify(ctx context.Context, userID, token string) error
	Consume(ctx context.Context, userID, token string) error
}

type issuedToken struct {
	token     string
	expiresAt time.Time
}

// MemorySecondFactor keeps issued tokens in memory.
type MemorySecondFactor struct {
	mu     sync.Mutex
	tokens map[string][]issuedToken
	now    func() time.Time
}

func NewMemorySecondFactor() *MemorySecondFactor {
	return &MemorySecondFactor{
		tokens: make(map[string][]issuedToken),
		now:    time.Now,
	}
}

// Issue registers token for userID until ttl elapses.
func (m *MemorySecondFactor) Issue(userID, token string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens[userID] = append(m.tokens[userID], issuedToken{
		token:     token,
		expiresAt: m.now().Add(ttl),
	})
}

func (m *MemorySecondFactor) Verify(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.find(userID, token) < 0 {
		return wrapErrors.WrapWithCode(wrapErrors.CodeSecondFactor, "verify", ErrSecondFactorRejected)
	}
	return nil
}

func (m *MemorySecondFactor) Consume(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.find(userID, token)
	if i < 0 {
		return wrapErrors.WrapWithCode(wrapErrors.CodeSecondFactor, "consume", ErrSecondFactorRejected)
	}
	list := m.tokens[userID]
	m.tokens[userID] = append(list[:i], list[i+1:]...)
	return nil
}

// find returns the index of a live token, or -1. Must hold mu.
func (m *MemorySecondFactor) find(userID, token string) int {
	if token == "" {
		return -1
	}
	now := m.now()
	for i, t := range m.tokens[userID] {
		if now.After(t.expiresAt) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(t.token), []byte(token)) == 1 {
			return i
		}
	}
	return -1
}
