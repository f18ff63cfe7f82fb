package clock

import (
	"container/heap"
	"sync"
	"time"
)

// Virtual is a Clock whose notion of "now" only advances when Advance is
// called, letting tests exercise timer-driven behavior (LAN-first timeout,
// watchdogs, soft/hard backoff) without real sleeps.
type Virtual struct {
	mu  sync.Mutex
	now time.Time
	pq  timerHeap
	seq int
}

// NewVirtual creates a Virtual clock starting at the given time.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) AfterFunc(d time.Duration, f func()) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	entry := &virtualTimerEntry{at: v.now.Add(d), seq: v.seq, f: f}
	heap.Push(&v.pq, entry)
	return &virtualTimer{v: v, entry: entry}
}

// Advance moves the virtual clock forward by d, firing (in scheduled
// order) every timer whose deadline falls at or before the new time.
// Firing happens synchronously and with the lock released, so a fired
// callback may itself schedule a new timer on this clock.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	v.now = target
	var due []*virtualTimerEntry
	for v.pq.Len() > 0 && !v.pq[0].at.After(target) {
		entry := heap.Pop(&v.pq).(*virtualTimerEntry)
		if entry.cancelled {
			continue
		}
		entry.fired = true
		due = append(due, entry)
	}
	v.mu.Unlock()

	for _, entry := range due {
		entry.f()
	}
}

type virtualTimerEntry struct {
	at        time.Time
	seq       int
	f         func()
	cancelled bool
	fired     bool
}

type virtualTimer struct {
	v     *Virtual
	entry *virtualTimerEntry
}

func (t *virtualTimer) Stop() bool {
	t.v.mu.Lock()
	defer t.v.mu.Unlock()
	if t.entry.fired || t.entry.cancelled {
		return false
	}
	t.entry.cancelled = true
	return true
}

type timerHeap []*virtualTimerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*virtualTimerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
