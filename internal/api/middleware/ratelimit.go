package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type visitorTable struct {
	mu       sync.Mutex
	visitors map[string]*visitor
}

func (t *visitorTable) get(ip string, rps rate.Limit, burst int) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rps, burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (t *visitorTable) sweep(age time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, v := range t.visitors {
		if time.Since(v.lastSeen) > age {
			delete(t.visitors, ip)
		}
	}
}

// RateLimit applies a per-client-IP token bucket. Stale entries are swept
// in the background so the table does not grow without bound.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	table := &visitorTable{visitors: make(map[string]*visitor)}
	go func() {
		for range time.Tick(time.Minute) {
			table.sweep(3 * time.Minute)
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !table.get(ip, rate.Limit(rps), burst).Allow() {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
