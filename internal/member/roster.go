package member

import "sync"

// Roster is the ordered member collection. The application owns it; the
// monitor only iterates and mutates members in place. Add/Remove come from
// the user, so the lock is held briefly and never across network calls.
type Roster struct {
	mu      sync.RWMutex
	members []*Member
}

func NewRoster(members ...*Member) *Roster {
	r := &Roster{}
	r.members = append(r.members, members...)
	return r
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Get returns the member at index i, or nil when out of range.
func (r *Roster) Get(i int) *Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.members) {
		return nil
	}
	return r.members[i]
}

// IndexOf returns the current position of m, or -1 when it is not present.
func (r *Roster) IndexOf(m *Member) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, cur := range r.members {
		if cur == m {
			return i
		}
	}
	return -1
}

func (r *Roster) Add(m *Member) {
	if m == nil {
		return
	}
	r.mu.Lock()
	r.members = append(r.members, m)
	r.mu.Unlock()
}

// Remove deletes the member at index i, preserving order.
func (r *Roster) Remove(i int) *Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.members) {
		return nil
	}
	m := r.members[i]
	r.members = append(r.members[:i], r.members[i+1:]...)
	return m
}

// Snapshot returns a copy of the current ordering. Members themselves are
// shared pointers; the slice is the caller's to keep.
func (r *Roster) Snapshot() []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Member, len(r.members))
	copy(out, r.members)
	return out
}

// Replace swaps the whole collection, used when (re)loading from storage.
func (r *Roster) Replace(members []*Member) {
	r.mu.Lock()
	r.members = append(r.members[:0:0], members...)
	r.mu.Unlock()
}
