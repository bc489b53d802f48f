package hub

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConnRateLimiterPerIP(t *testing.T) {
	l := NewConnRateLimiter(ConnRateLimiterConfig{
		IPBurst: 2,
		IPRate:  0.001,
		IPTTL:   time.Minute,
	}, zerolog.Nop())
	defer l.Stop()

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst attempts denied")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("attempt over per-IP burst allowed")
	}

	// A different client is unaffected.
	if !l.Allow("10.0.0.2") {
		t.Fatal("unrelated IP denied")
	}
}

func TestConnRateLimiterGlobal(t *testing.T) {
	l := NewConnRateLimiter(ConnRateLimiterConfig{
		GlobalBurst: 2,
		GlobalRate:  0.001,
	}, zerolog.Nop())
	defer l.Stop()

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.2") {
		t.Fatal("attempts within global burst denied")
	}
	if l.Allow("10.0.0.3") {
		t.Fatal("attempt over global burst allowed")
	}
}
