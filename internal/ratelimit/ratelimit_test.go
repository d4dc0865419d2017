package ratelimit

import (
	"testing"
	"time"
)

func TestPerKeyBurstAndRefill(t *testing.T) {
	rl := NewRateLimiter(0, 2, 3) // 2/s per key, burst 3
	now := time.Now()
	client := "10.0.0.1"

	for i := 0; i < 3; i++ {
		if !rl.allowAt(client, now) {
			t.Errorf("Expected connection %d to be allowed", i)
		}
	}
	if rl.allowAt(client, now) {
		t.Error("Expected connection to be denied once the burst is spent")
	}

	// One second later two tokens are back.
	later := now.Add(time.Second)
	if !rl.allowAt(client, later) || !rl.allowAt(client, later) {
		t.Error("Expected two connections after refill")
	}
	if rl.allowAt(client, later) {
		t.Error("Expected third connection after refill to be denied")
	}

	if !rl.allowAt("10.0.0.2", now) {
		t.Error("Expected a different key to have its own limit")
	}
}

func TestGlobalLimit(t *testing.T) {
	rl := NewRateLimiter(1, 0, 2)
	now := time.Now()
	if !rl.allowAt("a", now) || !rl.allowAt("b", now) {
		t.Error("Expected initial burst to be allowed")
	}
	if rl.allowAt("c", now) {
		t.Error("Expected global limit to deny across keys")
	}
	if rl.Keys() != 0 {
		t.Errorf("Expected no per-key state when per-key limit is off, got %d", rl.Keys())
	}
}

func TestDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0, 0)
	for i := 0; i < 1000; i++ {
		if !rl.AllowConnection("x") {
			t.Fatal("Expected unlimited limiter to allow everything")
		}
	}
	var nilLimiter *RateLimiter
	if !nilLimiter.AllowConnection("x") {
		t.Error("Expected nil limiter to allow")
	}
}

func TestCleanup(t *testing.T) {
	rl := NewRateLimiter(0, 5, 5)
	rl.AllowConnection("keep")
	rl.AllowConnection("drop")
	rl.CleanupExpiredClients(map[string]bool{"keep": true})
	if rl.Keys() != 1 {
		t.Errorf("Expected 1 key after cleanup, got %d", rl.Keys())
	}

	rl.allowAt("old", time.Now().Add(-time.Hour))
	if n := rl.CleanupIdle(time.Minute); n != 1 {
		t.Errorf("Expected 1 idle key removed, got %d", n)
	}
	if rl.Keys() != 1 {
		t.Errorf("Expected active key to survive idle cleanup, got %d", rl.Keys())
	}
}
