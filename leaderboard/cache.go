// Package leaderboard holds the read-mostly statistics and room caches and the scheduler that
// rebuilds them. Readers always observe one complete generation: writers build a new table
// off to the side and publish it with a single pointer swap.
package leaderboard

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/onnwee/osu-tender/osuapi"
)

// Entry is one linked identity's cached statistics.
type Entry struct {
	IdentityID  string
	OsuID       int64
	DisplayName string
	CountryCode string
	Stats       map[osuapi.Mode]osuapi.Statistics
}

// Score returns the entry's pp for mode, zero when unknown.
func (e Entry) Score(mode osuapi.Mode) float64 {
	return e.Stats[mode].PP
}

// Snapshot is an immutable generation of the entry table. Callers must not modify Entries.
type Snapshot struct {
	Entries    []Entry
	Generation uint64
	BuiltAt    time.Time

	byIdentity map[string]int
	byOsu      map[int64]int
}

// Len returns the number of entries.
func (s *Snapshot) Len() int { return len(s.Entries) }

// RoomSnapshot is an immutable generation of the active room table.
type RoomSnapshot struct {
	Rooms   []osuapi.Room
	BuiltAt time.Time

	byHost map[int64]int
}

// Cache publishes snapshots built by the Scheduler.
type Cache struct {
	entries atomic.Pointer[Snapshot]
	rooms   atomic.Pointer[RoomSnapshot]
	gen     atomic.Uint64
}

// NewCache returns a cache holding empty generations.
func NewCache() *Cache {
	c := &Cache{}
	c.entries.Store(newSnapshot(nil, 0, time.Time{}))
	c.rooms.Store(newRoomSnapshot(nil, time.Time{}))
	return c
}

func newSnapshot(entries []Entry, gen uint64, at time.Time) *Snapshot {
	s := &Snapshot{
		Entries:    entries,
		Generation: gen,
		BuiltAt:    at,
		byIdentity: make(map[string]int, len(entries)),
		byOsu:      make(map[int64]int, len(entries)),
	}
	for i, e := range entries {
		s.byIdentity[e.IdentityID] = i
		s.byOsu[e.OsuID] = i
	}
	return s
}

func newRoomSnapshot(rooms []osuapi.Room, at time.Time) *RoomSnapshot {
	s := &RoomSnapshot{Rooms: rooms, BuiltAt: at, byHost: make(map[int64]int, len(rooms))}
	for i, r := range rooms {
		if r.HostID == 0 {
			continue
		}
		// first room wins when a host has several
		if _, ok := s.byHost[r.HostID]; !ok {
			s.byHost[r.HostID] = i
		}
	}
	return s
}

// Snapshot returns the live entry generation.
func (c *Cache) Snapshot() *Snapshot { return c.entries.Load() }

// Generation returns the number of entry tables published so far.
func (c *Cache) Generation() uint64 { return c.entries.Load().Generation }

// Lookup finds the entry for a chat identity.
func (c *Cache) Lookup(identityID string) (Entry, bool) {
	s := c.entries.Load()
	i, ok := s.byIdentity[identityID]
	if !ok {
		return Entry{}, false
	}
	return s.Entries[i], true
}

// LookupExternal finds the entry for an osu! user id.
func (c *Cache) LookupExternal(osuID int64) (Entry, bool) {
	s := c.entries.Load()
	i, ok := s.byOsu[osuID]
	if !ok {
		return Entry{}, false
	}
	return s.Entries[i], true
}

// Top returns up to n entries ranked by pp in mode, highest first. n <= 0 returns all.
func (c *Cache) Top(mode osuapi.Mode, n int) []Entry {
	s := c.entries.Load()
	out := make([]Entry, len(s.Entries))
	copy(out, s.Entries)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Score(mode), out[j].Score(mode)
		if a != b {
			return a > b
		}
		return strings.ToLower(out[i].DisplayName) < strings.ToLower(out[j].DisplayName)
	})
	if n > 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// Rooms returns the live room generation.
func (c *Cache) Rooms() *RoomSnapshot { return c.rooms.Load() }

// RoomByHost returns the active room hosted by the given osu! user.
func (c *Cache) RoomByHost(hostID int64) (osuapi.Room, bool) {
	s := c.rooms.Load()
	i, ok := s.byHost[hostID]
	if !ok {
		return osuapi.Room{}, false
	}
	return s.Rooms[i], true
}

func (c *Cache) replaceEntries(entries []Entry, at time.Time) *Snapshot {
	s := newSnapshot(entries, c.gen.Add(1), at)
	c.entries.Store(s)
	return s
}

func (c *Cache) replaceRooms(rooms []osuapi.Room, at time.Time) *RoomSnapshot {
	s := newRoomSnapshot(rooms, at)
	c.rooms.Store(s)
	return s
}
