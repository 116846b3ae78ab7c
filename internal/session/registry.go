package session

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

var ErrDuplicateSession = errors.New("session: id already registered")

// Registry is the arena of live sessions, addressed by ID. IDs are handed
// out by NextID and never reused, so a late notification for a torn-down
// connection can never reach a newer session.
//
// It is not safe for concurrent use; callers drive it from one goroutine.
type Registry struct {
	next     ID
	sessions map[ID]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[ID]*Session),
	}
}

// NextID allocates a fresh session ID. The first ID is 1.
func (r *Registry) NextID() ID {
	r.next++
	return r.next
}

// Add registers s under its ID.
func (r *Registry) Add(s *Session) error {
	if _, exists := r.sessions[s.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.id)
	}
	r.sessions[s.id] = s
	return nil
}

// Remove unregisters and returns the session with the given ID. Removing an
// absent ID is a no-op that returns false.
func (r *Registry) Remove(id ID) (*Session, bool) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	return s, true
}

// Get looks up a live session.
func (r *Registry) Get(id ID) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// IDs returns the live session IDs in ascending order.
func (r *Registry) IDs() []ID {
	return slices.Sorted(maps.Keys(r.sessions))
}

// BroadcastResult summarizes one Broadcast call.
type BroadcastResult struct {
	Attempted  int   // sessions the content was offered to
	Sent       int   // sessions that accepted a frame
	Suppressed int   // sessions that skipped it due to echo suppression
	Err        error // joined per-session send errors, nil if none
}

// Broadcast offers c to every session registered at call time. Each
// session's send is independent: an error from one is recorded and the
// remaining sessions are still served.
func (r *Registry) Broadcast(c Content) BroadcastResult {
	var res BroadcastResult
	var errs []error

	for _, id := range r.IDs() {
		s := r.sessions[id]
		res.Attempted++

		sent, err := s.OnLocalChange(c)
		switch {
		case err != nil:
			errs = append(errs, err)
		case sent:
			res.Sent++
		default:
			res.Suppressed++
		}
	}

	res.Err = errors.Join(errs...)
	return res
}

// CloseAll removes and closes every session.
func (r *Registry) CloseAll() error {
	var errs []error
	for _, id := range r.IDs() {
		if s, ok := r.Remove(id); ok {
			errs = append(errs, s.Close())
		}
	}
	return errors.Join(errs...)
}
