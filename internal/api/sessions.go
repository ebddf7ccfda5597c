package api

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"rxledger/internal/flow"
)

var errSessionNotFound = errors.New("session not found")

type session struct {
	issuance     *flow.Issuance
	verification *flow.Verification
	touched      time.Time
}

// sessions holds one flow object per open form, keyed by a random id. Idle
// sessions are evicted lazily.
type sessions struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	byID map[string]*session
}

func newSessions(ttl time.Duration, now func() time.Time) *sessions {
	return &sessions{ttl: ttl, now: now, byID: make(map[string]*session)}
}

func (s *sessions) addIssuance(i *flow.Issuance) string {
	return s.add(&session{issuance: i})
}

func (s *sessions) addVerification(v *flow.Verification) string {
	return s.add(&session{verification: v})
}

func (s *sessions) add(entry *session) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evict()
	id := uuid.NewString()
	entry.touched = s.now()
	s.byID[id] = entry
	return id
}

func (s *sessions) issuance(id string) (*flow.Issuance, error) {
	entry, err := s.get(id)
	if err != nil || entry.issuance == nil {
		return nil, errSessionNotFound
	}
	return entry.issuance, nil
}

func (s *sessions) verification(id string) (*flow.Verification, error) {
	entry, err := s.get(id)
	if err != nil || entry.verification == nil {
		return nil, errSessionNotFound
	}
	return entry.verification, nil
}

func (s *sessions) get(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evict()
	entry, ok := s.byID[id]
	if !ok {
		return nil, errSessionNotFound
	}
	entry.touched = s.now()
	return entry, nil
}

func (s *sessions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// evict must be called with mu held.
func (s *sessions) evict() {
	cutoff := s.now().Add(-s.ttl)
	for id, entry := range s.byID {
		if entry.touched.Before(cutoff) {
			delete(s.byID, id)
		}
	}
}
