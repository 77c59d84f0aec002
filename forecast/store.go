// Package forecast keeps an online historical average of the driving signal
// per time-of-day slot.
package forecast

import (
	"fmt"
	"time"
)

// SlotKey identifies a time-of-day slot as minutes since midnight. With hour
// granularity the minutes are always zero.
type SlotKey int

// Hour returns the hour of day of the slot.
func (k SlotKey) Hour() int {
	return int(k) / 60
}

// Minute returns the minute within the hour of the slot.
func (k SlotKey) Minute() int {
	return int(k) % 60
}

// String formats the slot as HH:MM.
func (k SlotKey) String() string {
	return fmt.Sprintf("%02d:%02d", k.Hour(), k.Minute())
}

// Granularity controls how timestamps are grouped into slots.
type Granularity string

const (
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
)

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	return g == Minute || g == Hour
}

// Key extracts the slot key from a timestamp, independent of calendar date.
func (g Granularity) Key(t time.Time) SlotKey {
	if g == Hour {
		return SlotKey(t.Hour() * 60)
	}
	return SlotKey(t.Hour()*60 + t.Minute())
}

// Entry is the running average of all values observed in one slot.
type Entry struct {
	Average float64
	Count   int
}

// Store is the historical forecast table of one simulation run.
//
// Besides the per-slot table it keeps a projection over the run's horizon:
// whenever a slot is observed at step i, the updated average is written to the
// next step sharing that slot. The optimizer reads the projection when it
// extends its window past the native forecast.
type Store struct {
	entries   map[SlotKey]Entry
	next      []int
	projected []float64
	known     []bool
}

// NewStore creates an empty store. next[i] is the index of the next step
// sharing step i's slot, or -1 if there is none within the horizon; its length
// is the horizon of the run.
func NewStore(next []int) *Store {
	return &Store{
		entries:   make(map[SlotKey]Entry),
		next:      next,
		projected: make([]float64, len(next)),
		known:     make([]bool, len(next)),
	}
}

// Lookup returns the running average for the slot. Unseen slots report false.
func (s *Store) Lookup(key SlotKey) (Entry, bool) {
	e, ok := s.entries[key]
	return e, ok
}

// Seed adds a historical observation without touching the projection. It is
// used for warm-up data preceding the simulated horizon.
func (s *Store) Seed(key SlotKey, value float64) Entry {
	e := s.entries[key]
	e.Average = (float64(e.Count)*e.Average + value) / float64(e.Count+1)
	e.Count++
	s.entries[key] = e
	return e
}

// Observe records the value seen at the given step and propagates the new
// average to the next occurrence of the slot. Calling it twice for the same
// step double-counts the value.
func (s *Store) Observe(step int, key SlotKey, value float64) {
	e := s.Seed(key, value)

	if step < 0 || step >= len(s.next) {
		return
	}
	n := s.next[step]
	if n < 0 || n >= len(s.projected) {
		return
	}
	s.projected[n] = e.Average
	s.known[n] = true
}

// Projected returns the value propagated to the given step, if any.
func (s *Store) Projected(step int) (float64, bool) {
	if step < 0 || step >= len(s.known) || !s.known[step] {
		return 0, false
	}
	return s.projected[step], true
}

// Slots returns the number of distinct slots observed.
func (s *Store) Slots() int {
	return len(s.entries)
}

// Snapshot returns a copy of the table.
func (s *Store) Snapshot() map[SlotKey]Entry {
	out := make(map[SlotKey]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}
