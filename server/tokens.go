package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrInvalidSecret = errors.New("invalid API secret")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

type hostLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

type grant struct {
	origin  string
	host    string
	expires time.Time
}

// TokenStore issues the bearer tokens clients present on /ws and method
// calls once they proved knowledge of the API secret. A token is bound to
// the origin and client host it was issued to.
type TokenStore struct {
	secret string
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	grants    map[string]grant
	limiters  map[string]*hostLimiter
	lastSweep time.Time
}

func NewTokenStore(secret string, ttl time.Duration) *TokenStore {
	return &TokenStore{
		secret:   secret,
		ttl:      ttl,
		now:      time.Now,
		grants:   make(map[string]grant),
		limiters: make(map[string]*hostLimiter),
	}
}

// Required reports whether a secret is configured.
func (s *TokenStore) Required() bool {
	return s.secret != ""
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Allow applies the handshake rate limit for remoteAddr.
func (s *TokenStore) Allow(remoteAddr string) bool {
	host := hostOf(remoteAddr)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) >= limiterIdleTTL {
		s.sweepLimitersLocked(now)
	}
	l, ok := s.limiters[host]
	if !ok {
		l = &hostLimiter{lim: rate.NewLimiter(rate.Limit(handshakeRate), handshakeBurst)}
		s.limiters[host] = l
	}
	l.seen = now
	return l.lim.AllowN(now, 1)
}

// sweepLimitersLocked drops limiters idle for limiterIdleTTL. Such a
// limiter has refilled its burst, so a fresh one behaves the same.
func (s *TokenStore) sweepLimitersLocked(now time.Time) {
	for host, l := range s.limiters {
		if now.Sub(l.seen) >= limiterIdleTTL {
			delete(s.limiters, host)
		}
	}
	s.lastSweep = now
}

// Issue returns a new token when secret matches.
func (s *TokenStore) Issue(secret, origin, remoteAddr string) (string, time.Time, error) {
	if s.secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(s.secret)) != 1 {
		return "", time.Time{}, ErrInvalidSecret
	}
	token, err := newToken()
	if err != nil {
		return "", time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	expires := s.now().Add(s.ttl)
	s.grants[token] = grant{origin: origin, host: hostOf(remoteAddr), expires: expires}
	logger.Printf("token issued to %s (origin %q)", hostOf(remoteAddr), origin)
	return token, expires, nil
}

// Validate checks token and its origin and host binding.
func (s *TokenStore) Validate(token, origin, remoteAddr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.grants[token]
	if !ok || token == "" {
		return ErrInvalidToken
	}
	if !s.now().Before(g.expires) {
		delete(s.grants, token)
		return ErrInvalidToken
	}
	if g.origin != "" && g.origin != origin {
		logger.Printf("token rejected: origin %q, issued to %q", origin, g.origin)
		return ErrInvalidToken
	}
	if host := hostOf(remoteAddr); g.host != "" && g.host != host {
		logger.Printf("token rejected: host %s, issued to %s", host, g.host)
		return ErrInvalidToken
	}
	return nil
}

// Revoke forgets token.
func (s *TokenStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.grants, token)
	s.mu.Unlock()
}

func (s *TokenStore) pruneLocked() {
	now := s.now()
	for token, g := range s.grants {
		if !now.Before(g.expires) {
			delete(s.grants, token)
		}
	}
}

func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
