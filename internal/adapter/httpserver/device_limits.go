package httpserver

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	limiterSweepEvery = 5 * time.Minute
	limiterIdleAfter  = 10 * time.Minute
)

// limitReason describes why a device connection was turned away.
type limitReason string

const (
	limitPerIP limitReason = "per_ip_limit"
	limitRate  limitReason = "rate_limit"
)

type connectBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// deviceLimits caps concurrent device connections per source IP and paces how
// fast one IP may open new ones. Devices behind one NAT share a budget, so
// the caps are per household rather than per board. A zero maxPerIP or
// perSecond disables that check. The instance-wide cap lives in the registry.
type deviceLimits struct {
	clock    clockwork.Clock
	maxPerIP int
	rate     rate.Limit
	burst    int

	mu      sync.Mutex
	open    map[string]int
	buckets map[string]*connectBucket
	sweepAt time.Time
}

func newDeviceLimits(maxPerIP int, perSecond float64, burst int, clock clockwork.Clock) *deviceLimits {
	return &deviceLimits{
		clock:    clock,
		maxPerIP: maxPerIP,
		rate:     rate.Limit(perSecond),
		burst:    burst,
		open:     make(map[string]int),
		buckets:  make(map[string]*connectBucket),
		sweepAt:  clock.Now().Add(limiterSweepEvery),
	}
}

// acquire reserves a connection slot for ip. The rate check runs first so a
// rejected flood does not hold slots.
func (l *deviceLimits) acquire(ip string) (bool, limitReason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.sweepAt) {
		l.sweep(now)
		l.sweepAt = now.Add(limiterSweepEvery)
	}

	if l.rate > 0 {
		b, ok := l.buckets[ip]
		if !ok {
			b = &connectBucket{limiter: rate.NewLimiter(l.rate, l.burst)}
			l.buckets[ip] = b
		}
		b.lastSeen = now
		if !b.limiter.AllowN(now, 1) {
			return false, limitRate
		}
	}

	if l.maxPerIP > 0 && l.open[ip] >= l.maxPerIP {
		return false, limitPerIP
	}
	l.open[ip]++
	return true, ""
}

func (l *deviceLimits) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch n := l.open[ip]; {
	case n > 1:
		l.open[ip] = n - 1
	case n == 1:
		delete(l.open, ip)
	}
}

func (l *deviceLimits) openFrom(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open[ip]
}

// sweep drops rate buckets of IPs that went quiet. Must be called with mu held.
func (l *deviceLimits) sweep(now time.Time) {
	cutoff := now.Add(-limiterIdleAfter)
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
		}
	}
}
