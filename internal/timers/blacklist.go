package timers

import (
	"sort"
	"sync"
	"time"
)

// Reason is why a user was blacklisted. Each reason has its own duration.
type Reason string

const (
	ReasonOrderCooldown   Reason = "order_cooldown"
	ReasonHumanEscalation Reason = "human_escalation"
	ReasonAbuse           Reason = "abuse"
)

// Tiers maps each reason to its duration.
type Tiers struct {
	OrderCooldown   time.Duration
	HumanEscalation time.Duration
	Abuse           time.Duration
}

// Duration returns the blacklist duration for reason.
func (t Tiers) Duration(r Reason) time.Duration {
	switch r {
	case ReasonOrderCooldown:
		return t.OrderCooldown
	case ReasonHumanEscalation:
		return t.HumanEscalation
	default:
		return t.Abuse
	}
}

// ResetsSession reports whether entering the blacklist for r also clears the
// session. A human escalation keeps the draft for the operator.
func (r Reason) ResetsSession() bool {
	return r != ReasonHumanEscalation
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Entry is one blacklisted user.
type Entry struct {
	UserID  string    `json:"user_id"`
	Reason  Reason    `json:"reason"`
	Expires time.Time `json:"expires"`
}

// Blacklist silences users until an absolute expiry. Expired entries are
// evicted lazily, on the first check after expiry.
type Blacklist struct {
	clock Clock

	mu      sync.Mutex
	entries map[string]Entry
}

// NewBlacklist creates an empty Blacklist.
func NewBlacklist() *Blacklist {
	return NewBlacklistWithClock(realClock{})
}

// NewBlacklistWithClock creates a Blacklist with a custom clock (for testing).
func NewBlacklistWithClock(clock Clock) *Blacklist {
	return &Blacklist{clock: clock, entries: make(map[string]Entry)}
}

// Add blacklists the user for d, replacing any existing entry.
func (b *Blacklist) Add(userID string, d time.Duration, reason Reason) Entry {
	e := Entry{UserID: userID, Reason: reason, Expires: b.clock.Now().Add(d)}
	b.mu.Lock()
	b.entries[userID] = e
	b.mu.Unlock()
	return e
}

// IsBlacklisted reports whether the user is currently silenced, evicting the
// entry once it has expired.
func (b *Blacklist) IsBlacklisted(userID string) bool {
	_, ok := b.Lookup(userID)
	return ok
}

// Lookup returns the user's live entry, evicting it once expired.
func (b *Blacklist) Lookup(userID string) (Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[userID]
	if !ok {
		return Entry{}, false
	}
	if !b.clock.Now().Before(e.Expires) {
		delete(b.entries, userID)
		return Entry{}, false
	}
	return e, true
}

// Remove lifts the user's entry, reporting whether one existed.
func (b *Blacklist) Remove(userID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[userID]
	delete(b.entries, userID)
	return ok
}

// Entries lists the stored entries sorted by expiry. Expired entries that
// have not been checked yet are included.
func (b *Blacklist) Entries() []Entry {
	b.mu.Lock()
	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Expires.Before(out[j].Expires) })
	return out
}

// Len returns the number of stored entries.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
