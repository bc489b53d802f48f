package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stockwatch/feedgate/internal/monitoring"
)

// ConnRateLimiter rate limits connection attempts before the WebSocket
// upgrade. Two levels: per-IP (one misbehaving client) and global
// (distributed floods). Both use token buckets.
type ConnRateLimiter struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger        zerolog.Logger
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnRateLimiterConfig holds the attempt-rate limits.
type ConnRateLimiterConfig struct {
	IPBurst     int           // max burst connections per IP (default 10)
	IPRate      float64       // sustained connections/sec per IP (default 1)
	IPTTL       time.Duration // drop idle IP entries after this (default 5m)
	GlobalBurst int           // max burst connections system-wide (default 300)
	GlobalRate  float64       // sustained connections/sec system-wide (default 50)
}

// NewConnRateLimiter creates the limiter and starts its cleanup loop.
func NewConnRateLimiter(cfg ConnRateLimiterConfig, logger zerolog.Logger) *ConnRateLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	l := &ConnRateLimiter{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       cfg.IPBurst,
		ipRate:        cfg.IPRate,
		ipTTL:         cfg.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:        logger.With().Str("component", "conn_rate_limiter").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a connection attempt from ip may proceed.
func (l *ConnRateLimiter) Allow(ip string) bool {
	// Global check first, no map lookup on the fast rejection path.
	if !l.globalLimiter.Allow() {
		monitoring.IncrementConnectionRejected("rate_limited_global")
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: global rate limit")
		return false
	}

	if !l.ipLimiter(ip).Allow() {
		monitoring.IncrementConnectionRejected("rate_limited_ip")
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected: per-IP rate limit")
		return false
	}
	return true
}

func (l *ConnRateLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	if entry, ok := l.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	entry := &ipLimiterEntry{
		limiter:    rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst),
		lastAccess: time.Now(),
	}
	l.ipLimiters[ip] = entry
	return entry.limiter
}

func (l *ConnRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup drops IP entries idle past the TTL so the map cannot grow
// unboundedly from one-shot scanners.
func (l *ConnRateLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.ipLimiters)).
			Msg("Cleaned up stale IP limiters")
	}
}

// Stop terminates the cleanup loop.
func (l *ConnRateLimiter) Stop() {
	close(l.stopCleanup)
}
