package ratelimit

import (
	"sync"
	"time"

	"github.com/webalive/collab-server/internal/logger"
)

var log = logger.WithComponent("RATELIMIT")

// ConnLimiter bounds the number of new collaboration connections a single
// source IP may open within a rolling window (C1).
type ConnLimiter struct {
	mu       sync.Mutex
	limit    int
	interval time.Duration
	byIP     map[string]*window
	stop     chan struct{}
}

// NewConnLimiter creates an IP-keyed sliding-window connection limiter and
// starts its background cleanup sweep.
func NewConnLimiter(limit int, interval time.Duration) *ConnLimiter {
	l := &ConnLimiter{
		limit:    limit,
		interval: interval,
		byIP:     make(map[string]*window),
		stop:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow records a connection attempt from ip and reports whether it is
// within the configured limit.
func (l *ConnLimiter) Allow(ip string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.byIP[ip]
	if !ok {
		w = newWindow(l.limit, l.interval)
		l.byIP[ip] = w
	}

	now := time.Now().UnixMilli()
	res := w.allow(now)
	if res.Limited {
		log.Warn("Connection limit exceeded | ip=%s retryIn=%s", ip, res.RetryIn)
	}
	return res
}

func (l *ConnLimiter) cleanupLoop() {
	ticker := time.NewTicker(DefaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stop:
			return
		}
	}
}

func (l *ConnLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UnixMilli()
	for ip, w := range l.byIP {
		if w.empty(now) {
			delete(l.byIP, ip)
		}
	}
}

// Stop halts the background cleanup sweep.
func (l *ConnLimiter) Stop() {
	close(l.stop)
}

// MessageLimiter bounds the rate of inbound messages on a single socket and
// tracks repeated violations so the caller can close abusive connections.
type MessageLimiter struct {
	mu       sync.Mutex
	limit    int
	interval time.Duration
	violMax  int
	bySocket map[string]*socketState
}

type socketState struct {
	w          *window
	violations int
}

// NewMessageLimiter creates a per-socket sliding-window message limiter.
// violationMax is the number of rate-limit violations a single socket may
// accrue before ShouldClose reports true.
func NewMessageLimiter(limit int, interval time.Duration, violationMax int) *MessageLimiter {
	return &MessageLimiter{
		limit:    limit,
		interval: interval,
		violMax:  violationMax,
		bySocket: make(map[string]*socketState),
	}
}

// Allow records an inbound message on socketID and reports whether it is
// within the configured limit. Each violation increments the socket's
// counter; ShouldClose reports true once that counter reaches the configured
// maximum.
func (l *MessageLimiter) Allow(socketID string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.bySocket[socketID]
	if !ok {
		s = &socketState{w: newWindow(l.limit, l.interval)}
		l.bySocket[socketID] = s
	}

	now := time.Now().UnixMilli()
	res := s.w.allow(now)
	if res.Limited {
		s.violations++
	}
	return res
}

// ShouldClose reports whether socketID has accrued enough violations that
// the connection should be closed with code 1008.
func (l *MessageLimiter) ShouldClose(socketID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.bySocket[socketID]
	if !ok {
		return false
	}
	return s.violations >= l.violMax
}

// Release drops all state for socketID. Called when the connection closes.
func (l *MessageLimiter) Release(socketID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bySocket, socketID)
}
