package broadcast

import (
	"sort"
	"time"

	"collabgate/pkg/types"
)

type entry struct {
	event    types.Event
	received time.Time
	status   map[string]string // connID -> delivery status
}

// ReplayBuffer is the bounded, sequence-ordered event window of one session.
// Entries are dropped once there are more than maxEvents or they are older
// than maxAge; a zero bound is not enforced. It is not safe for concurrent
// use.
type ReplayBuffer struct {
	maxEvents int
	maxAge    time.Duration
	entries   []*entry
}

func NewReplayBuffer(maxEvents int, maxAge time.Duration) *ReplayBuffer {
	return &ReplayBuffer{maxEvents: maxEvents, maxAge: maxAge}
}

func (b *ReplayBuffer) search(seq int64) int {
	return sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].event.SequenceNumber >= seq
	})
}

// Insert places evt by sequence number. Events already present, or older
// than everything a full buffer holds, are rejected.
func (b *ReplayBuffer) Insert(evt types.Event, now time.Time) bool {
	_, ok := b.insert(evt, now)
	if ok {
		b.Prune(now)
	}
	return ok
}

func (b *ReplayBuffer) insert(evt types.Event, now time.Time) (*entry, bool) {
	i := b.search(evt.SequenceNumber)
	if i < len(b.entries) && b.entries[i].event.SequenceNumber == evt.SequenceNumber {
		return nil, false
	}
	if i == 0 && b.maxEvents > 0 && len(b.entries) >= b.maxEvents {
		return nil, false
	}

	e := &entry{event: evt, received: now, status: make(map[string]string)}
	b.entries = append(b.entries, nil)
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = e
	return e, true
}

// Prune enforces both bounds and returns the evicted event ids.
func (b *ReplayBuffer) Prune(now time.Time) []string {
	var evicted []string
	kept := b.entries[:0]
	for _, e := range b.entries {
		if b.maxAge > 0 && now.Sub(e.received) > b.maxAge {
			evicted = append(evicted, e.event.ID)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(b.entries); i++ {
		b.entries[i] = nil
	}
	b.entries = kept

	if over := len(b.entries) - b.maxEvents; b.maxEvents > 0 && over > 0 {
		for _, e := range b.entries[:over] {
			evicted = append(evicted, e.event.ID)
		}
		b.entries = append([]*entry(nil), b.entries[over:]...)
	}
	return evicted
}

// Since returns events with a sequence number strictly greater than seq, in
// ascending order.
func (b *ReplayBuffer) Since(seq int64) []types.Event {
	i := b.search(seq + 1)
	out := make([]types.Event, 0, len(b.entries)-i)
	for _, e := range b.entries[i:] {
		out = append(out, e.event)
	}
	return out
}

// Last returns up to n of the most recent events, in ascending order.
func (b *ReplayBuffer) Last(n int) []types.Event {
	if n <= 0 {
		return []types.Event{}
	}
	start := len(b.entries) - n
	if start < 0 {
		start = 0
	}
	out := make([]types.Event, 0, len(b.entries)-start)
	for _, e := range b.entries[start:] {
		out = append(out, e.event)
	}
	return out
}

func (b *ReplayBuffer) find(eventID string) *entry {
	for _, e := range b.entries {
		if e.event.ID == eventID {
			return e
		}
	}
	return nil
}

// Len is the number of buffered events.
func (b *ReplayBuffer) Len() int {
	return len(b.entries)
}

// LatestSequence is the highest buffered sequence number, or 0.
func (b *ReplayBuffer) LatestSequence() int64 {
	if len(b.entries) == 0 {
		return 0
	}
	return b.entries[len(b.entries)-1].event.SequenceNumber
}
