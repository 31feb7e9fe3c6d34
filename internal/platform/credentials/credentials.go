// Package credentials leases the exchange client secret and certificate.
// Leases expire; the manager checks expiry before every use and rotates
// through its Source.
package credentials

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotInitialized = errors.New("credentials: manager not initialized")
	ErrClosed         = errors.New("credentials: manager closed")
)

// Lease is one issued credential set.
type Lease struct {
	Version     int
	Secret      []byte
	Certificate *tls.Certificate
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Expired reports whether the lease is unusable at now, counting skew as
// already expired.
func (l *Lease) Expired(now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(l.ExpiresAt)
}

// Source issues a fresh lease. Issuance itself is external to this service.
type Source interface {
	Fetch(ctx context.Context) (*Lease, error)
}

// Manager hands out the current lease and refreshes it on expiry.
type Manager struct {
	mu      sync.RWMutex
	source  Source
	current *Lease
	version int
	closed  bool
	skew    time.Duration
	now     func() time.Time
}

func NewManager(source Source, skew time.Duration) *Manager {
	return &Manager{source: source, skew: skew, now: time.Now}
}

// Init fetches the first lease.
func (m *Manager) Init(ctx context.Context) error {
	_, err := m.Refresh(ctx)
	return err
}

// Current returns a lease valid for at least the skew window, refreshing
// first if the held one is about to expire.
func (m *Manager) Current(ctx context.Context) (*Lease, error) {
	m.mu.RLock()
	cur, closed := m.current, m.closed
	m.mu.RUnlock()

	switch {
	case closed:
		return nil, ErrClosed
	case cur == nil:
		return nil, ErrNotInitialized
	case !cur.Expired(m.now(), m.skew):
		return cur, nil
	}
	return m.Refresh(ctx)
}

// Refresh replaces the held lease unconditionally.
func (m *Manager) Refresh(ctx context.Context) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	lease, err := m.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("credentials: fetch lease: %w", err)
	}
	if lease.Expired(m.now(), 0) {
		return nil, fmt.Errorf("credentials: source issued an expired lease (expires %s)", lease.ExpiresAt.Format(time.RFC3339))
	}
	m.version++
	lease.Version = m.version
	m.current = lease
	return lease, nil
}

// Close drops the held lease and its secret.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		for i := range m.current.Secret {
			m.current.Secret[i] = 0
		}
	}
	m.current = nil
	m.closed = true
	return nil
}

// StaticSource issues leases from configured material. Certificate files
// are re-read on every fetch so rotated files are picked up.
type StaticSource struct {
	Secret   string
	CertFile string
	KeyFile  string
	TTL      time.Duration
	Now      func() time.Time
}

func (s *StaticSource) Fetch(_ context.Context) (*Lease, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if s.Secret == "" {
		return nil, errors.New("no client secret configured")
	}
	issued := now()
	lease := &Lease{
		Secret:    []byte(s.Secret),
		IssuedAt:  issued,
		ExpiresAt: issued.Add(s.TTL),
	}
	if s.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		lease.Certificate = &cert
	}
	return lease, nil
}
