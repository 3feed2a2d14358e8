package realtime

import (
	"sort"
	"strings"
	"sync"
)

// Resolver maps an event target to the local connections it addresses.
type Resolver interface {
	Resolve(t Target) []*Conn
}

// Registry is the per-process session registry: identity -> live connections,
// plus the set of all attached connections and room membership.
//
// Invariants:
//   - a connection is registered under at most one identity at a time;
//   - a closed connection is never added to any index;
//   - no identity or room maps to an empty set.
//
// The closed check happens under mu, so a caller that closes a connection
// before removing it leaves nothing behind even when an add races with it.
//
// Lookups return copies and are safe to iterate while the registry mutates.
type Registry struct {
	mu sync.RWMutex

	byIdentity map[string]map[string]*Conn // identity -> conn id -> conn
	owner      map[string]string           // conn id -> identity

	all       map[string]*Conn
	rooms     map[string]map[string]*Conn // room -> conn id -> conn
	connRooms map[string]map[string]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]map[string]*Conn),
		owner:      make(map[string]string),
		all:        make(map[string]*Conn),
		rooms:      make(map[string]map[string]*Conn),
		connRooms:  make(map[string]map[string]struct{}),
	}
}

// Register adds c to identity's set. Registering the same pair twice is a no-op;
// registering c under a second identity fails with ErrAlreadyRegistered, and a
// closed c fails with ErrConnClosed.
func (r *Registry) Register(identity string, c *Conn) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return ErrEmptyIdentity
	}
	if c == nil {
		return ErrConnClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c.State() == StateClosed {
		return ErrConnClosed
	}
	if cur, ok := r.owner[c.ID()]; ok {
		if cur == identity {
			return nil
		}
		return ErrAlreadyRegistered
	}

	set := r.byIdentity[identity]
	if set == nil {
		set = make(map[string]*Conn)
		r.byIdentity[identity] = set
	}
	set[c.ID()] = c
	r.owner[c.ID()] = identity
	return nil
}

// Unregister removes c from identity's set. Unknown pairs are ignored.
func (r *Registry) Unregister(identity string, c *Conn) {
	if c == nil {
		return
	}
	identity = strings.TrimSpace(identity)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owner[c.ID()] != identity {
		return
	}
	delete(r.owner, c.ID())

	set := r.byIdentity[identity]
	delete(set, c.ID())
	if len(set) == 0 {
		delete(r.byIdentity, identity)
	}
}

// Lookup returns a snapshot of identity's connections (possibly empty).
func (r *Registry) Lookup(identity string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.byIdentity[identity])
}

// Count returns the number of live connections for identity.
func (r *Registry) Count(identity string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identity])
}

// Identities returns the registered identities, sorted.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byIdentity))
	for id := range r.byIdentity {
		out = append(out, id)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}

// Attach adds c to the set of all local connections (authenticated or not).
// Closed connections are ignored.
func (r *Registry) Attach(c *Conn) {
	if c == nil {
		return
	}
	r.mu.Lock()
	if c.State() != StateClosed {
		r.all[c.ID()] = c
	}
	r.mu.Unlock()
}

// Detach removes c from the all-connections set and from every room.
// It does not touch identity registration.
func (r *Registry) Detach(c *Conn) {
	if c == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.all, c.ID())
	for room := range r.connRooms[c.ID()] {
		r.leaveLocked(room, c.ID())
	}
	delete(r.connRooms, c.ID())
}

// Join adds c to room.
func (r *Registry) Join(room string, c *Conn) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return ErrInvalidTarget
	}
	if c == nil {
		return ErrConnClosed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c.State() == StateClosed {
		return ErrConnClosed
	}
	members := r.rooms[room]
	if members == nil {
		members = make(map[string]*Conn)
		r.rooms[room] = members
	}
	members[c.ID()] = c

	joined := r.connRooms[c.ID()]
	if joined == nil {
		joined = make(map[string]struct{})
		r.connRooms[c.ID()] = joined
	}
	joined[room] = struct{}{}
	return nil
}

// Leave removes c from room. Unknown pairs are ignored.
func (r *Registry) Leave(room string, c *Conn) {
	if c == nil {
		return
	}
	room = strings.TrimSpace(room)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveLocked(room, c.ID())
	if joined := r.connRooms[c.ID()]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.connRooms, c.ID())
		}
	}
}

func (r *Registry) leaveLocked(room, connID string) {
	members := r.rooms[room]
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// LookupRoom returns a snapshot of room's connections.
func (r *Registry) LookupRoom(room string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return snapshot(r.rooms[room])
}

// Rooms returns the rooms c has joined, sorted.
func (r *Registry) Rooms(c *Conn) []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.connRooms[c.ID()]))
	for room := range r.connRooms[c.ID()] {
		out = append(out, room)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Resolve implements Resolver.
func (r *Registry) Resolve(t Target) []*Conn {
	switch t.Kind {
	case TargetUser:
		return r.Lookup(t.Value)
	case TargetRoom:
		return r.LookupRoom(t.Value)
	case TargetAuthenticated:
		r.mu.RLock()
		defer r.mu.RUnlock()
		out := make([]*Conn, 0, len(r.owner))
		for _, set := range r.byIdentity {
			for _, c := range set {
				out = append(out, c)
			}
		}
		return out
	case TargetAll:
		r.mu.RLock()
		defer r.mu.RUnlock()
		return snapshot(r.all)
	default:
		return nil
	}
}

func snapshot(set map[string]*Conn) []*Conn {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}
