package streaming

import (
	"sync"
	"time"
)

// deadLetter is one failed batch awaiting retry. Attempts counts persist
// attempts already made, including the original one.
type deadLetter struct {
	Chunks        []Chunk
	Attempts      int
	LastError     string
	FirstFailedAt time.Time
}

// deadLetters is the bounded FIFO holding failed batches. When full, the
// oldest entry is evicted so the queue always keeps the most recent failures.
type deadLetters struct {
	mu      sync.Mutex
	entries []deadLetter
	max     int
}

func newDeadLetters(max int) *deadLetters {
	return &deadLetters{max: max}
}

// add appends an entry, evicting and returning the oldest one when the
// queue is at capacity.
func (d *deadLetters) add(e deadLetter) (evicted *deadLetter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) >= d.max {
		old := d.entries[0]
		d.entries = d.entries[1:]
		evicted = &old
	}
	d.entries = append(d.entries, e)
	return evicted
}

// pop removes and returns the oldest entry.
func (d *deadLetters) pop() (deadLetter, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) == 0 {
		return deadLetter{}, false
	}
	e := d.entries[0]
	d.entries = d.entries[1:]
	return e, true
}

// requeue puts a not-yet-exhausted entry at the back for the next cycle.
func (d *deadLetters) requeue(e deadLetter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, e)
}

// takeAll empties the queue and hands back every entry in FIFO order.
func (d *deadLetters) takeAll() []deadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.entries
	d.entries = nil
	return out
}

func (d *deadLetters) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
