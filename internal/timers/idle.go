// Package timers holds the per-user idle timers and the blacklist.
package timers

import (
	"sync"
	"time"
)

// idleSet is the live warning/expiry pair for one user. A nil timer has
// already fired.
type idleSet struct {
	warn   *time.Timer
	expire *time.Timer
	gen    uint64
}

// Idle arms at most one warning/expiry pair per user.
type Idle struct {
	warnAfter   time.Duration
	expireAfter time.Duration

	mu     sync.Mutex
	gen    uint64
	sets   map[string]*idleSet
	latest map[string]uint64
}

// NewIdle creates an Idle that warns after warnAfter and expires after
// expireAfter of inactivity.
func NewIdle(warnAfter, expireAfter time.Duration) *Idle {
	return &Idle{
		warnAfter:   warnAfter,
		expireAfter: expireAfter,
		sets:        make(map[string]*idleSet),
		latest:      make(map[string]uint64),
	}
}

// Arm cancels the user's live pair and arms a new one. Callbacks run on a
// timer goroutine and should hand work off rather than block; they receive
// the pair's generation so deferred work can check Current before acting.
// A callback from a superseded pair never runs.
func (i *Idle) Arm(userID string, onWarn, onExpire func(gen uint64)) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.cancelLocked(userID)
	i.gen++
	gen := i.gen
	set := &idleSet{gen: gen}
	set.warn = time.AfterFunc(i.warnAfter, func() {
		if i.claim(userID, gen, false) {
			onWarn(gen)
		}
	})
	set.expire = time.AfterFunc(i.expireAfter, func() {
		if i.claim(userID, gen, true) {
			onExpire(gen)
		}
	})
	i.sets[userID] = set
	i.latest[userID] = gen
}

// Current reports whether gen is still the user's most recent pair, that is
// it was neither cancelled nor replaced. It stays true after the pair fired.
func (i *Idle) Current(userID string, gen uint64) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	latest, ok := i.latest[userID]
	return ok && latest == gen
}

// claim marks one timer of the pair as fired, reporting false when the pair
// was cancelled or replaced in the meantime.
func (i *Idle) claim(userID string, gen uint64, expiry bool) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	set, ok := i.sets[userID]
	if !ok || set.gen != gen {
		return false
	}
	if expiry {
		if set.warn != nil {
			set.warn.Stop()
		}
		delete(i.sets, userID)
		return true
	}
	set.warn = nil
	return true
}

// Cancel stops the user's pair, if any.
func (i *Idle) Cancel(userID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cancelLocked(userID)
}

func (i *Idle) cancelLocked(userID string) {
	delete(i.latest, userID)
	set, ok := i.sets[userID]
	if !ok {
		return
	}
	if set.warn != nil {
		set.warn.Stop()
	}
	if set.expire != nil {
		set.expire.Stop()
	}
	delete(i.sets, userID)
}

// Live reports how many of the user's timers have yet to fire.
func (i *Idle) Live(userID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	set, ok := i.sets[userID]
	if !ok {
		return 0
	}
	n := 0
	if set.warn != nil {
		n++
	}
	if set.expire != nil {
		n++
	}
	return n
}

// Stop cancels every pair.
func (i *Idle) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for id := range i.sets {
		i.cancelLocked(id)
	}
	clear(i.latest)
}
