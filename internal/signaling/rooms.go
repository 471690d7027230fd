// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package signaling

import (
	"sort"
	"sync"
)

// Rooms is the membership table. A room exists only while it has members.
type Rooms struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{}
	byConn map[string]map[string]struct{}
}

// NewRooms returns an empty table.
func NewRooms() *Rooms {
	return &Rooms{
		rooms:  make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join adds connID to room. It reports whether the membership is new.
func (r *Rooms) Join(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	if _, ok := members[connID]; ok {
		return false
	}
	members[connID] = struct{}{}
	joined, ok := r.byConn[connID]
	if !ok {
		joined = make(map[string]struct{})
		r.byConn[connID] = joined
	}
	joined[room] = struct{}{}
	return true
}

// LeaveRoom removes connID from one room and reports whether the room emptied.
func (r *Rooms) LeaveRoom(connID, room string) (left, emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(connID, room)
}

func (r *Rooms) leaveLocked(connID, room string) (left, emptied bool) {
	members, ok := r.rooms[room]
	if !ok {
		return false, false
	}
	if _, ok := members[connID]; !ok {
		return false, false
	}
	delete(members, connID)
	if joined := r.byConn[connID]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.byConn, connID)
		}
	}
	if len(members) == 0 {
		delete(r.rooms, room)
		return true, true
	}
	return true, false
}

// Leave removes connID from every room. It returns the rooms left and the
// subset that became empty, both sorted.
func (r *Rooms) Leave(connID string) (left, emptied []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room := range r.byConn[connID] {
		left = append(left, room)
	}
	sort.Strings(left)
	for _, room := range left {
		if _, e := r.leaveLocked(connID, room); e {
			emptied = append(emptied, room)
		}
	}
	return left, emptied
}

// Members returns the members of room other than except.
func (r *Rooms) Members(room, except string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]string, 0, len(members))
	for id := range members {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

// Contains reports whether connID is a member of room.
func (r *Rooms) Contains(room, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][connID]
	return ok
}

// Len returns the number of live rooms.
func (r *Rooms) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
