// Package limiter throttles HTTP intake: a token bucket per client IP and a
// cap on synchronous captures in flight.
package limiter

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Options struct {
	PerSecond   float64
	Burst       int
	MaxInflight int
	// IdleTTL drops buckets of clients not seen for this long.
	IdleTTL time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is safe for concurrent use.
type Limiter struct {
	rateLimit rate.Limit
	burst     int
	idleTTL   time.Duration
	now       func() time.Time

	mu  sync.Mutex
	ips map[string]*visitor

	inflight chan struct{}
}

func New(opts Options) *Limiter {
	if opts.PerSecond <= 0 {
		opts.PerSecond = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.MaxInflight <= 0 {
		opts.MaxInflight = 2
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	return &Limiter{
		rateLimit: rate.Limit(opts.PerSecond),
		burst:     opts.Burst,
		idleTTL:   opts.IdleTTL,
		now:       time.Now,
		ips:       make(map[string]*visitor),
		inflight:  make(chan struct{}, opts.MaxInflight),
	}
}

// AllowIP spends one token from ip's bucket.
func (l *Limiter) AllowIP(ip string) bool {
	l.mu.Lock()
	v, ok := l.ips[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rateLimit, l.burst)}
		l.ips[ip] = v
	}
	v.lastSeen = l.now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

// Acquire tries to reserve an in-flight slot. Returns a release function and
// true if allowed; otherwise nil, false.
func (l *Limiter) Acquire() (func(), bool) {
	select {
	case l.inflight <- struct{}{}:
		return func() { <-l.inflight }, true
	default:
		return nil, false
	}
}

// Prune forgets clients idle for longer than IdleTTL and returns how many
// were dropped.
func (l *Limiter) Prune() int {
	cutoff := l.now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, v := range l.ips {
		if v.lastSeen.Before(cutoff) {
			delete(l.ips, ip)
			n++
		}
	}
	return n
}

// Tracked is the number of client buckets held.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ips)
}

// ClientIP returns the host part of r.RemoteAddr.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
