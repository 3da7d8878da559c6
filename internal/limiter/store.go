// Package limiter implements the velocity/caps limiter and its scope key
// store: per-(merchant, scope, id) append-only timestamp logs consulted
// on every transaction's hot path.
package limiter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loyalty-foundry/talon/internal/domain"
)

// ErrLockTimeout is returned when a scope key's lock could not be
// acquired within the bounded wait. Callers degrade to SOFT_FLAG.
var ErrLockTimeout = errors.New("scope key lock timed out")

// EventJournal mirrors appended events to durable storage. Writes happen
// after the in-memory append, detached from the caller's context.
type EventJournal interface {
	AppendScopeEvent(ctx context.Context, ev *domain.ScopeEvent) error
}

// Store owns the scope key logs. Each key has an independent lock so
// cross-key operations never block each other; a single admission touches
// at most four keys, always in domain.ScopeOrder.
type Store struct {
	mu       sync.RWMutex
	logs     map[domain.ScopeKey]*scopeLog
	lockWait time.Duration
	journal  EventJournal
}

// scopeLog is one key's append-only event log. The semaphore channel is
// the key's lock: it supports the bounded acquisition the plain mutex
// does not.
type scopeLog struct {
	sem     chan struct{}
	events  []time.Time // ascending
	resetAt time.Time   // events at or before this instant are void
}

// Tally is the set of counts a limit decision needs, computed after lazy
// eviction inside the key's locked section.
type Tally struct {
	Window         int
	Daily          int
	Weekly         int
	OldestInWindow time.Time
}

// NewStore creates a scope key store. lockWait bounds every lock
// acquisition; journal may be nil.
func NewStore(lockWait time.Duration, journal EventJournal) *Store {
	if lockWait <= 0 {
		lockWait = 100 * time.Millisecond
	}
	return &Store{
		logs:     make(map[domain.ScopeKey]*scopeLog),
		lockWait: lockWait,
		journal:  journal,
	}
}

// CountAndAppend atomically tallies the key's log against the window and
// then appends an event at now. The tally excludes the appended event,
// so the caller sees the counts as of the instant before this attempt.
// Denied attempts therefore still advance the counters.
func (s *Store) CountAndAppend(ctx context.Context, key domain.ScopeKey, now time.Time, windowSec int, loc *time.Location) (Tally, error) {
	log := s.log(key)
	if err := s.acquire(ctx, log); err != nil {
		return Tally{}, err
	}
	log.evict(now)
	tally := log.tally(now, windowSec, loc)
	log.append(now)
	s.release(log)

	s.journalEvent(ctx, key, now)
	return tally, nil
}

// Append records an event without tallying; used for the scopes that
// follow an already-determined decision.
func (s *Store) Append(ctx context.Context, key domain.ScopeKey, now time.Time) error {
	log := s.log(key)
	if err := s.acquire(ctx, log); err != nil {
		return err
	}
	log.evict(now)
	log.append(now)
	s.release(log)

	s.journalEvent(ctx, key, now)
	return nil
}

// Reset voids all events at or before the given instant for one key.
func (s *Store) Reset(key domain.ScopeKey, at time.Time) {
	log := s.log(key)
	log.sem <- struct{}{}
	if at.After(log.resetAt) {
		log.resetAt = at
	}
	log.evict(at)
	s.release(log)
}

// ResetScope voids counters for every known key of the merchant's scope
// type; with a non-empty scopeID only that key is reset.
func (s *Store) ResetScope(merchantID string, scope domain.ScopeType, scopeID string, at time.Time) int {
	if scopeID != "" {
		s.Reset(domain.ScopeKey{MerchantID: merchantID, Scope: scope, ScopeID: scopeID}, at)
		return 1
	}

	s.mu.RLock()
	keys := make([]domain.ScopeKey, 0)
	for k := range s.logs {
		if k.MerchantID == merchantID && k.Scope == scope {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	for _, k := range keys {
		s.Reset(k, at)
	}
	return len(keys)
}

// Keys returns the number of tracked scope keys.
func (s *Store) Keys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

func (s *Store) log(key domain.ScopeKey) *scopeLog {
	s.mu.RLock()
	log, ok := s.logs[key]
	s.mu.RUnlock()
	if ok {
		return log
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if log, ok = s.logs[key]; ok {
		return log
	}
	log = &scopeLog{sem: make(chan struct{}, 1)}
	s.logs[key] = log
	return log
}

// acquire takes the key lock with a bounded wait. Context cancellation is
// honored here because no decision has been recorded yet for this key.
func (s *Store) acquire(ctx context.Context, log *scopeLog) error {
	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()

	select {
	case log.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) release(log *scopeLog) {
	<-log.sem
}

// journalEvent mirrors the append to durable storage, detached from the
// caller so an abandoned request still commits its events.
func (s *Store) journalEvent(ctx context.Context, key domain.ScopeKey, ts time.Time) {
	if s.journal == nil {
		return
	}
	ev := &domain.ScopeEvent{
		ID:        uuid.New().String(),
		Key:       key,
		Timestamp: ts,
	}
	go func(ctx context.Context) {
		if err := s.journal.AppendScopeEvent(ctx, ev); err != nil {
			slog.Error("scope event journal write failed",
				"key", key.String(),
				"error", err,
			)
		}
	}(context.WithoutCancel(ctx))
}

// append inserts preserving ascending order; concurrent admissions can
// capture their timestamps slightly out of lock order.
func (l *scopeLog) append(ts time.Time) {
	l.events = append(l.events, ts)
	for i := len(l.events) - 1; i > 0 && l.events[i].Before(l.events[i-1]); i-- {
		l.events[i], l.events[i-1] = l.events[i-1], l.events[i]
	}
}

// evict drops entries older than the retention horizon or voided by a
// reset. It runs inside the locked section; there is no background sweep
// to race with concurrent checks.
func (l *scopeLog) evict(now time.Time) {
	horizon := now.Add(-domain.EventRetention)
	if l.resetAt.After(horizon) {
		horizon = l.resetAt
	}
	i := 0
	for i < len(l.events) && !l.events[i].After(horizon) {
		i++
	}
	if i > 0 {
		l.events = append(l.events[:0], l.events[i:]...)
	}
}

// tally counts the half-open sliding window (now-window, now], the local
// day and the local week. An event exactly windowSec old is excluded.
func (l *scopeLog) tally(now time.Time, windowSec int, loc *time.Location) Tally {
	var t Tally

	windowStart := now.Add(-time.Duration(windowSec) * time.Second)
	local := now.In(loc)
	dayStart := startOfDay(local)
	weekStart := startOfWeek(local)

	for _, ev := range l.events {
		if ev.After(windowStart) && !ev.After(now) {
			if t.Window == 0 {
				t.OldestInWindow = ev
			}
			t.Window++
		}
		if !ev.Before(dayStart) {
			t.Daily++
		}
		if !ev.Before(weekStart) {
			t.Weekly++
		}
	}
	return t
}

// startOfDay returns local midnight for t's location.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek returns the most recent local Monday midnight.
func startOfWeek(t time.Time) time.Time {
	day := startOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}
