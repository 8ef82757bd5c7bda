// Package statestore implements the State Store (C6): the most recent
// derived session document, held in memory behind a reader-writer lock
// and mirrored to the Event Log.
package statestore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/englishfox90/nina-gateway/internal/eventlog"
	"github.com/englishfox90/nina-gateway/internal/logger"
	"github.com/englishfox90/nina-gateway/internal/session"
)

// persister is the subset of *eventlog.Store the State Store needs,
// allowing tests to substitute a fake.
type persister interface {
	UpdateState(ctx context.Context, doc session.Document) error
}

// Store holds the current Document behind a reader-writer lock (spec §5:
// "many readers, one writer") and mirrors every write to the Event Log.
type Store struct {
	mu  sync.RWMutex
	doc session.Document

	persist persister
	log     *zap.SugaredLogger

	cacheTTL time.Duration
	cachedAt time.Time
	cached   session.Document
	cacheOK  bool
}

// New constructs a Store seeded with doc and backed by persist.
func New(persist persister, doc session.Document, cacheTTL time.Duration) *Store {
	if cacheTTL == 0 {
		cacheTTL = time.Second
	}
	return &Store{
		doc:      doc,
		persist:  persist,
		log:      logger.Named("statestore"),
		cacheTTL: cacheTTL,
	}
}

// Apply installs a new document produced by the FSM. If changed is false
// the call is a no-op beyond bookkeeping — no persistence write, no cache
// invalidation, matching spec §4.6 ("invalidated on every FSM
// changed=true").
func (s *Store) Apply(ctx context.Context, doc session.Document, changed bool) error {
	if !changed {
		return nil
	}

	s.mu.Lock()
	s.doc = doc
	s.cacheOK = false
	s.mu.Unlock()

	if err := s.persistWithRetry(ctx, doc); err != nil {
		// Persistence failure never stops the State Store from serving
		// readers or the FSM from running (spec §7): the in-memory
		// snapshot above has already been updated.
		s.log.Warnw("failed to persist session state", "error", err.Error())
		return err
	}
	return nil
}

func (s *Store) persistWithRetry(ctx context.Context, doc session.Document) error {
	err := s.persist.UpdateState(ctx, doc)
	if err == nil {
		return nil
	}
	// Retried once per spec §7 "Persistence failure... retried once".
	return s.persist.UpdateState(ctx, doc)
}

// Snapshot returns the current document by value, with target expiry
// recomputed against wall-clock time (spec invariant 3) and a short TTL
// cache to collapse dashboard polling bursts (spec §4.6).
func (s *Store) Snapshot() session.Document {
	now := time.Now().UTC()

	s.mu.RLock()
	if s.cacheOK && now.Sub(s.cachedAt) < s.cacheTTL {
		cached := s.cached
		s.mu.RUnlock()
		return cached
	}
	doc := s.doc
	s.mu.RUnlock()

	doc = withRecomputedExpiry(doc, now)

	s.mu.Lock()
	s.cached = doc
	s.cachedAt = now
	s.cacheOK = true
	s.mu.Unlock()

	return doc
}

func withRecomputedExpiry(doc session.Document, now time.Time) session.Document {
	if doc.Target == nil {
		return doc
	}
	target := *doc.Target
	target.IsExpired = session.TargetExpired(target, doc, now)
	doc.Target = &target
	return doc
}

// LoadFromEventLog reads any previously persisted state row (spec §4.5
// step 3: "for logs/metrics only; the authoritative state at this point
// is what the FSM holds in memory").
func LoadFromEventLog(ctx context.Context, store *eventlog.Store) (session.Document, bool, error) {
	return store.ReadState(ctx)
}
