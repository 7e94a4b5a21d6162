package auth

import (
	"context"
	"sync"
	"time"

	"github.com/bencyrus/testflight-uploader/internal/logger"
)

// DefaultRefreshThreshold is the remaining validity below which Source mints a
// new credential.
const DefaultRefreshThreshold = 60 * time.Second

// Provider hands out a credential that is valid for the next API call.
type Provider interface {
	Credential(ctx context.Context) (Credential, error)
}

// Source caches the credential of one run and re-mints it when it nears
// expiry, so a poll phase longer than the TTL keeps working.
type Source struct {
	issuer    *Issuer
	threshold time.Duration

	mu      sync.Mutex
	current *Credential
}

func NewSource(issuer *Issuer, threshold time.Duration) *Source {
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}
	return &Source{issuer: issuer, threshold: threshold}
}

// Credential implements Provider.
func (s *Source) Credential(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && !s.shouldRefresh(s.issuer.now()) {
		return *s.current, nil
	}

	cred, err := s.issuer.Issue()
	if err != nil {
		return Credential{}, err
	}
	if s.current != nil {
		logger.Debug(ctx, "credential refreshed", logger.Fields{
			"key_id":     cred.KeyID,
			"expires_at": cred.ExpiresAt,
		})
	}
	s.current = &cred
	return cred, nil
}

func (s *Source) shouldRefresh(now time.Time) bool {
	return s.current.SecondsRemaining(now) <= int(s.threshold.Seconds())
}

// Static always returns the same credential.
type Static Credential

// Credential implements Provider.
func (s Static) Credential(context.Context) (Credential, error) {
	return Credential(s), nil
}
