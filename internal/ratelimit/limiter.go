// Package ratelimit throttles upload-session requests per client. The
// upload flow drives a real browser against a third-party admin console, so
// the ceiling here protects the target site as much as this service.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out a token bucket per client key (remote address).
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	rate    rate.Limit
	burst   int
}

// NewLimiter allows requestsPerHour sustained requests per client with the
// given burst.
func NewLimiter(requestsPerHour, burst int) *Limiter {
	return &Limiter{
		clients: make(map[string]*clientLimiter),
		rate:    rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:   burst,
	}
}

// Allow reports whether the client may proceed now.
func (l *Limiter) Allow(client string) bool {
	return l.get(client).Allow()
}

// Tokens returns the client's remaining burst allowance.
func (l *Limiter) Tokens(client string) float64 {
	return l.get(client).Tokens()
}

// Prune drops buckets idle longer than age, so one-off clients do not
// accumulate forever. Called from the same sweep that expires sessions.
func (l *Limiter) Prune(age time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-age)
	for key, cl := range l.clients {
		if cl.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

func (l *Limiter) get(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl, ok := l.clients[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[client] = cl
	}
	cl.lastSeen = time.Now()
	return cl.limiter
}
