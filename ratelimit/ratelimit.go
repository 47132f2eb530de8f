// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// PerInterval publishes are allowed per client every Interval. The
	// bucket starts full, so a client may burst PerInterval publishes.
	PerInterval int           `yaml:"per_interval"`
	Interval    time.Duration `yaml:"interval"`

	Connection ConnectionConfig `yaml:"connection"`
}

// ConnectionConfig holds per-IP connection rate limiting settings for the
// network intakes.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`  // connections per second per IP
	Burst           int           `yaml:"burst"` // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		PerInterval: 1000,
		Interval:    time.Second,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
	}
}

// ClientLimiter keeps one token bucket per publishing client.
type ClientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientEntry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter allows tokens events per interval for every client.
func NewClientLimiter(tokens int, interval time.Duration) *ClientLimiter {
	limit := rate.Inf
	if tokens > 0 && interval > 0 {
		limit = rate.Limit(float64(tokens) / interval.Seconds())
	}
	return &ClientLimiter{
		limiters: make(map[string]*clientEntry),
		limit:    limit,
		burst:    tokens,
		now:      time.Now,
	}
}

// Allow spends one token of clientID's bucket and reports whether one was
// available.
func (l *ClientLimiter) Allow(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[clientID]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[clientID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Remove drops the bucket of clientID.
func (l *ClientLimiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, clientID)
}

// Len returns the number of tracked clients.
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Sweep drops buckets idle for longer than idle. A full bucket carries no
// state worth keeping, so an idle client loses nothing.
func (l *ClientLimiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := l.now().Add(-idle)
	removed := 0
	for id, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, id)
			removed++
		}
	}
	return removed
}

// IPLimiter limits connection attempts per remote IP address.
type IPLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientEntry
	limit    rate.Limit
	burst    int
}

// NewIPLimiter creates a per-IP limiter allowing r connections per second.
func NewIPLimiter(r float64, burst int) *IPLimiter {
	return &IPLimiter{
		limiters: make(map[string]*clientEntry),
		limit:    rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether a connection from addr may proceed.
func (l *IPLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	e, ok := l.limiters[ip]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *IPLimiter) sweep(idle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-idle)
	for ip, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Manager coordinates the publish and connection limiters.
type Manager struct {
	config Config
	client *ClientLimiter
	ip     *IPLimiter
}

// NewManager creates a new rate limit manager. A disabled section yields a
// manager that allows everything for that concern.
func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg}
	if cfg.Enabled && cfg.PerInterval > 0 {
		m.client = NewClientLimiter(cfg.PerInterval, cfg.Interval)
	}
	if cfg.Connection.Enabled {
		m.ip = NewIPLimiter(cfg.Connection.Rate, cfg.Connection.Burst)
	}
	return m
}

// AllowPublish spends a publish token for clientID.
func (m *Manager) AllowPublish(clientID string) bool {
	if m == nil || m.client == nil {
		return true
	}
	return m.client.Allow(clientID)
}

// AllowConnection checks if a new connection from addr is allowed.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// RemoveClient drops the publish bucket of a departed client.
func (m *Manager) RemoveClient(clientID string) {
	if m == nil || m.client == nil {
		return
	}
	m.client.Remove(clientID)
}

// Run periodically drops idle buckets until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	every := m.config.Connection.CleanupInterval
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.client != nil {
				m.client.Sweep(2 * every)
			}
			if m.ip != nil {
				m.ip.sweep(2 * every)
			}
		case <-ctx.Done():
			return
		}
	}
}
