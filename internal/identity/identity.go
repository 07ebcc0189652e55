// Package identity resolves whether an actor holds elevated privilege.
package identity

import "sync"

type Source interface {
	IsPrivileged(actorID int64) bool
}

// Static is an in-memory admin list, typically loaded from config.
type Static struct {
	mu     sync.RWMutex
	admins map[int64]struct{}
}

func NewStatic(admins []int64) *Static {
	s := &Static{admins: make(map[int64]struct{}, len(admins))}
	for _, id := range admins {
		s.admins[id] = struct{}{}
	}
	return s
}

func (s *Static) IsPrivileged(actorID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.admins[actorID]
	return ok
}

func (s *Static) Grant(actorID int64) {
	s.mu.Lock()
	s.admins[actorID] = struct{}{}
	s.mu.Unlock()
}

func (s *Static) Revoke(actorID int64) {
	s.mu.Lock()
	delete(s.admins, actorID)
	s.mu.Unlock()
}

// Func adapts a plain function to Source.
type Func func(actorID int64) bool

func (f Func) IsPrivileged(actorID int64) bool { return f(actorID) }
