package server

import (
	"sync"
	"time"

	"github.com/chazu/litevm/vm"
	"github.com/google/uuid"
)

// handle is a server-side reference to a VM heap entity.
type handle struct {
	id        string
	ref       vm.Ref
	typeName  string
	sessionID string
	created   time.Time
	lastUsed  time.Time
}

// HandleStore maps opaque IDs to heap references. The litevm heap never
// collects, so a handle stays valid until released or until the heap is
// reset.
type HandleStore struct {
	mu      sync.RWMutex
	handles map[string]*handle
}

// NewHandleStore creates a new handle store.
func NewHandleStore() *HandleStore {
	return &HandleStore{handles: make(map[string]*handle)}
}

// Create registers ref and returns an opaque handle ID.
func (s *HandleStore) Create(ref vm.Ref, typeName, sessionID string) string {
	id := uuid.NewString()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[id] = &handle{
		id:        id,
		ref:       ref,
		typeName:  typeName,
		sessionID: sessionID,
		created:   now,
		lastUsed:  now,
	}
	return id
}

// Lookup retrieves the reference for a handle.
func (s *HandleStore) Lookup(id string) (vm.Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[id]
	if !ok {
		return vm.NilRef, false
	}
	h.lastUsed = time.Now()
	return h.ref, true
}

// TypeName returns the type recorded when the handle was created.
func (s *HandleStore) TypeName(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.handles[id]; ok {
		return h.typeName
	}
	return ""
}

func (s *HandleStore) sessionOf(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.handles[id]; ok {
		return h.sessionID
	}
	return ""
}

// Release removes a handle. It reports whether the handle existed.
func (s *HandleStore) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.handles[id]
	delete(s.handles, id)
	return ok
}

// ReleaseSession releases all handles owned by a session.
func (s *HandleStore) ReleaseSession(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, h := range s.handles {
		if h.sessionID == sessionID {
			delete(s.handles, id)
			removed++
		}
	}
	return removed
}

// Clear drops every handle.
func (s *HandleStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles = make(map[string]*handle)
}

// Len returns the number of live handles.
func (s *HandleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

// Sweep removes handles that haven't been accessed within the TTL.
func (s *HandleStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, h := range s.handles {
		if h.lastUsed.Before(cutoff) {
			delete(s.handles, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *HandleStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(ttl); n > 0 {
					log.Debugf("swept %d idle handles", n)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
