package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter allows max requests per client IP in each fixed window. Every
// window starts a fresh non-refilling bucket, so no window admits more
// than max. Buckets idle for longer than one window are dropped by a
// janitor.
type ipLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	buckets map[string]*ipBucket
	onLimit func()
	stop    chan struct{}
	once    sync.Once
}

type ipBucket struct {
	limiter     *rate.Limiter
	windowStart time.Time
	lastSeen    time.Time
}

func newIPLimiter(max int, window time.Duration, onLimit func()) *ipLimiter {
	if max <= 0 {
		max = 100
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	l := &ipLimiter{
		max:     max,
		window:  window,
		buckets: make(map[string]*ipBucket),
		onLimit: onLimit,
		stop:    make(chan struct{}),
	}
	go l.janitor()
	return l
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok || now.Sub(b.windowStart) >= l.window {
		// A zero limit never refills: the burst is the whole window's quota.
		b = &ipBucket{limiter: rate.NewLimiter(0, l.max), windowStart: now}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

func (l *ipLimiter) Middleware(next http.Handler) http.Handler {
	msg := fmt.Sprintf("Too many requests from this IP, please try again after %s.", humanWindow(l.window))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r), time.Now()) {
			if l.onLimit != nil {
				l.onLimit()
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(l.window.Seconds())))
			respondError(w, http.StatusTooManyRequests, "rate_limited", msg)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *ipLimiter) janitor() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for ip, b := range l.buckets {
				if now.Sub(b.lastSeen) > l.window {
					delete(l.buckets, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *ipLimiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

// clientIP expects middleware.RealIP to have run.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func humanWindow(d time.Duration) string {
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
