package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/kalambet/printdesk/internal/catalog"
	"github.com/kalambet/printdesk/internal/fileanalysis"
	"github.com/kalambet/printdesk/internal/order"
)

// ErrUnknownService is returned when a patch names a service the catalog
// does not know.
var ErrUnknownService = errors.New("unknown service")

// CatalogLookup resolves a service name. Implemented by catalog.Catalog.
type CatalogLookup interface {
	GetServiceInfo(ctx context.Context, name string) (catalog.ServiceInfo, bool)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Patch is a partial update. Nil fields are left untouched. Derived fields
// (category, widths, finishes offered, criteria, area) cannot be patched.
type Patch struct {
	DisplayName           *string
	Service               *string
	Width                 *float64
	Height                *float64
	Quantity              *int
	Finishes              map[string]bool
	FilePath              *string
	FileAnalysis          *fileanalysis.Analysis
	FileAnalysisResponded *bool
	FileValidation        *order.Validation
	Observations          *string
}

// lane serializes all access to one user's session. refs counts holders and
// waiters so the sweeper never drops a lane in use.
type lane struct {
	mu   sync.Mutex
	refs int
	sess *Session
}

// Store owns every session. Different users never contend on the same lock
// beyond the brief map lookup.
type Store struct {
	catalog CatalogLookup
	budget  int
	clock   Clock

	mu    sync.Mutex
	lanes map[string]*lane
}

// NewStore creates a Store whose histories are capped at budget words.
func NewStore(cat CatalogLookup, budget int) *Store {
	return NewStoreWithClock(cat, budget, realClock{})
}

// NewStoreWithClock creates a Store with a custom clock (for testing).
func NewStoreWithClock(cat CatalogLookup, budget int, clock Clock) *Store {
	return &Store{
		catalog: cat,
		budget:  budget,
		clock:   clock,
		lanes:   make(map[string]*lane),
	}
}

// HistoryBudget is the configured history word ceiling.
func (s *Store) HistoryBudget() int { return s.budget }

func (s *Store) acquire(userID string) *lane {
	l := s.lock(userID, true)
	if l.sess == nil {
		l.sess = newSession(userID, s.clock.Now())
	}
	return l
}

// lock takes the user's lane lock. Without create it returns nil when the
// user has no lane.
func (s *Store) lock(userID string, create bool) *lane {
	s.mu.Lock()
	l, ok := s.lanes[userID]
	if !ok {
		if !create {
			s.mu.Unlock()
			return nil
		}
		l = &lane{}
		s.lanes[userID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

func (s *Store) release(l *lane) {
	l.mu.Unlock()
	s.mu.Lock()
	l.refs--
	s.mu.Unlock()
}

// Do runs fn with exclusive access to the user's session, creating it on
// first use. The session must not be retained after fn returns.
func (s *Store) Do(ctx context.Context, userID string, fn func(*Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.acquire(userID)
	defer s.release(l)
	return fn(l.sess)
}

// Get returns a snapshot of the user's session.
func (s *Store) Get(userID string) Session {
	l := s.acquire(userID)
	defer s.release(l)
	return *l.sess.Clone()
}

// Peek returns a snapshot without creating the session. A session dropped
// by Reset reports false until it is used again.
func (s *Store) Peek(userID string) (Session, bool) {
	l := s.lock(userID, false)
	if l == nil {
		return Session{}, false
	}
	defer s.release(l)
	if l.sess == nil {
		return Session{}, false
	}
	return *l.sess.Clone(), true
}

// Update applies patch to the user's session.
func (s *Store) Update(ctx context.Context, userID string, patch Patch) error {
	return s.Do(ctx, userID, func(sess *Session) error {
		return s.ApplyPatch(ctx, sess, patch)
	})
}

// Reset clears the user's session. Without preserveOnboarding the session
// is dropped entirely and recreated on next access.
func (s *Store) Reset(userID string, preserveOnboarding bool) {
	l := s.acquire(userID)
	defer s.release(l)
	if preserveOnboarding {
		l.sess.Reset(true)
		return
	}
	l.sess = nil
}

// DropIf drops the user's session when stale reports true. stale runs
// under the user's lane lock, so no turn can start between the check and
// the drop.
func (s *Store) DropIf(userID string, stale func() bool) bool {
	l := s.lock(userID, false)
	if l == nil {
		return false
	}
	defer s.release(l)
	if !stale() {
		return false
	}
	l.sess = nil
	return true
}

// Touch records activity on the session.
func (s *Store) Touch(sess *Session) {
	sess.LastInteraction = s.clock.Now()
}

// AddMessage appends to the session history within the store's budget.
func (s *Store) AddMessage(sess *Session, role, content string) {
	sess.AddMessage(role, content, s.budget)
}

// ApplyPatch mutates sess, which the caller must hold through Do. Setting
// the service backfills the derived catalog fields; an unknown service
// leaves the session untouched and returns ErrUnknownService.
func (s *Store) ApplyPatch(ctx context.Context, sess *Session, p Patch) error {
	d := &sess.Draft

	if p.Service != nil {
		info, ok := s.catalog.GetServiceInfo(ctx, *p.Service)
		if !ok {
			slog.Warn("service not found in catalog", "user_id", sess.UserID, "service", *p.Service)
			return fmt.Errorf("%w: %q", ErrUnknownService, *p.Service)
		}
		changed := d.Service.Name != info.Name
		d.Service = order.ServiceRef{Name: info.Name, Category: info.Category, Type: info.Type}
		d.AvailableWidths = append([]float64(nil), info.AvailableWidths...)
		d.AvailableFinishes = append([]string(nil), info.AvailableFinishes...)
		d.MinDPI = info.MinDPI
		d.FileValidationCriteria = info.FileValidationCriteria
		if changed {
			dropUnavailableFinishes(d)
		}
	}

	if p.DisplayName != nil {
		sess.DisplayName = *p.DisplayName
	}
	if p.Width != nil {
		d.Measures.Width = *p.Width
	}
	if p.Height != nil {
		d.Measures.Height = *p.Height
	}
	if p.Width != nil || p.Height != nil || p.Service != nil {
		d.ComputedArea = computeArea(d)
	}
	if p.Quantity != nil {
		d.Quantity = *p.Quantity
	}
	if p.Finishes != nil {
		if d.Finishes == nil {
			d.Finishes = make(map[string]bool, len(p.Finishes))
		}
		for name, on := range p.Finishes {
			d.Finishes[name] = on
		}
	}
	if p.FilePath != nil {
		d.FilePath = *p.FilePath
	}
	if p.FileAnalysis != nil {
		fa := *p.FileAnalysis
		d.FileAnalysis = &fa
	}
	if p.FileAnalysisResponded != nil {
		d.FileAnalysisResponded = *p.FileAnalysisResponded
	}
	if p.FileValidation != nil {
		d.FileValidation = *p.FileValidation
	}
	if p.Observations != nil {
		d.Observations = *p.Observations
	}
	return nil
}

// computeArea derives the printed area in square meters. Services outside
// the measured categories have no area.
func computeArea(d *order.Draft) float64 {
	if !order.IsMeasured(d.Service.Category) || d.Measures.Width <= 0 || d.Measures.Height <= 0 {
		return 0
	}
	return math.Round(d.Measures.Width*d.Measures.Height*10000) / 10000
}

func dropUnavailableFinishes(d *order.Draft) {
	for name := range d.Finishes {
		if _, ok := d.HasFinish(name); !ok {
			delete(d.Finishes, name)
		}
	}
}

// Users returns the ids of all tracked sessions, sorted.
func (s *Store) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.lanes))
	for id := range s.lanes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports how many sessions are tracked.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}

// Sweep drops idle lanes whose session is gone or untouched for ttl.
// Lanes currently held or awaited are skipped. It returns the number removed.
func (s *Store) Sweep(ttl time.Duration) int {
	cutoff := s.clock.Now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, l := range s.lanes {
		if l.refs > 0 {
			continue
		}
		if l.sess == nil || l.sess.LastInteraction.Before(cutoff) {
			delete(s.lanes, id)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(ttl); n > 0 {
				slog.Info("swept idle sessions", "removed", n)
			}
		}
	}
}
