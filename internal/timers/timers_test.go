package timers

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestIdleWarnThenExpire(t *testing.T) {
	idle := NewIdle(20*time.Millisecond, 60*time.Millisecond)
	defer idle.Stop()

	warned := make(chan struct{}, 1)
	expired := make(chan struct{}, 1)
	idle.Arm("u1", func(uint64) { warned <- struct{}{} }, func(uint64) { expired <- struct{}{} })
	if n := idle.Live("u1"); n != 2 {
		t.Errorf("Live = %d, want 2", n)
	}

	select {
	case <-warned:
	case <-time.After(time.Second):
		t.Fatal("warning never fired")
	}
	if n := idle.Live("u1"); n != 1 {
		t.Errorf("Live after warning = %d, want 1", n)
	}

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("expiry never fired")
	}
	if n := idle.Live("u1"); n != 0 {
		t.Errorf("Live after expiry = %d, want 0", n)
	}
}

func TestIdleRearmCancelsPreviousPair(t *testing.T) {
	idle := NewIdle(30*time.Millisecond, 50*time.Millisecond)
	defer idle.Stop()

	var warns, expiries atomic.Int32
	for range 10 {
		idle.Arm("u1", func(uint64) { warns.Add(1) }, func(uint64) { expiries.Add(1) })
		if n := idle.Live("u1"); n > 2 {
			t.Fatalf("Live = %d, want at most 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	if w, e := warns.Load(), expiries.Load(); w != 1 || e != 1 {
		t.Errorf("warns=%d expiries=%d, want exactly one of each", w, e)
	}
}

func TestIdleCancel(t *testing.T) {
	idle := NewIdle(10*time.Millisecond, 20*time.Millisecond)
	var fired atomic.Bool
	idle.Arm("u1", func(uint64) { fired.Store(true) }, func(uint64) { fired.Store(true) })
	idle.Cancel("u1")

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("callback fired after Cancel")
	}
	if n := idle.Live("u1"); n != 0 {
		t.Errorf("Live = %d", n)
	}
}

func TestIdleCurrentAfterFireAndCancel(t *testing.T) {
	idle := NewIdle(10*time.Millisecond, 20*time.Millisecond)
	defer idle.Stop()

	gens := make(chan uint64, 1)
	idle.Arm("u1", func(uint64) {}, func(gen uint64) { gens <- gen })

	var gen uint64
	select {
	case gen = <-gens:
	case <-time.After(time.Second):
		t.Fatal("expiry never fired")
	}
	if !idle.Current("u1", gen) {
		t.Error("fired pair should stay current until replaced")
	}

	idle.Cancel("u1")
	if idle.Current("u1", gen) {
		t.Error("cancelled pair still current")
	}

	idle.Arm("u1", func(uint64) {}, func(uint64) {})
	if idle.Current("u1", gen) {
		t.Error("replaced pair still current")
	}
}

func TestIdleUsersIndependent(t *testing.T) {
	idle := NewIdle(time.Hour, 2*time.Hour)
	defer idle.Stop()
	idle.Arm("u1", func(uint64) {}, func(uint64) {})
	idle.Arm("u2", func(uint64) {}, func(uint64) {})
	idle.Cancel("u1")
	if idle.Live("u1") != 0 || idle.Live("u2") != 2 {
		t.Errorf("Live u1=%d u2=%d", idle.Live("u1"), idle.Live("u2"))
	}
}

func TestBlacklistLazyEviction(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	b := NewBlacklistWithClock(clock)

	b.Add("u1", 30*time.Minute, ReasonOrderCooldown)
	if !b.IsBlacklisted("u1") {
		t.Fatal("not blacklisted right after Add")
	}

	clock.Advance(29 * time.Minute)
	if !b.IsBlacklisted("u1") {
		t.Error("released before expiry")
	}

	clock.Advance(time.Minute)
	if b.Len() != 1 {
		t.Error("entry evicted before being checked")
	}
	if b.IsBlacklisted("u1") {
		t.Error("still blacklisted at expiry")
	}
	if b.Len() != 0 {
		t.Error("expired entry not evicted on check")
	}
}

func TestBlacklistReplaceAndRemove(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	b := NewBlacklistWithClock(clock)

	b.Add("u1", time.Minute, ReasonAbuse)
	b.Add("u1", time.Hour, ReasonHumanEscalation)
	e, ok := b.Lookup("u1")
	if !ok || e.Reason != ReasonHumanEscalation || !e.Expires.Equal(clock.Now().Add(time.Hour)) {
		t.Errorf("Lookup = %+v, %v", e, ok)
	}

	b.Add("u2", time.Minute, ReasonAbuse)
	entries := b.Entries()
	if len(entries) != 2 || entries[0].UserID != "u2" {
		t.Errorf("Entries = %+v", entries)
	}

	if !b.Remove("u1") || b.Remove("u1") {
		t.Error("Remove reported wrong result")
	}
	if b.IsBlacklisted("u1") {
		t.Error("still blacklisted after Remove")
	}
}

func TestTiers(t *testing.T) {
	tiers := Tiers{OrderCooldown: time.Minute, HumanEscalation: time.Hour, Abuse: 24 * time.Hour}
	if tiers.Duration(ReasonOrderCooldown) != time.Minute || tiers.Duration(ReasonHumanEscalation) != time.Hour || tiers.Duration(ReasonAbuse) != 24*time.Hour {
		t.Error("wrong tier durations")
	}
	if !ReasonOrderCooldown.ResetsSession() || !ReasonAbuse.ResetsSession() || ReasonHumanEscalation.ResetsSession() {
		t.Error("wrong session reset policy")
	}
}
