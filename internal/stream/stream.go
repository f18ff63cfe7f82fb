// Package stream wraps the raw, possibly-redundant callback subscriptions
// exposed by signal.Store into lazy, deduplicated sequences: a size-1
// replay cache shared by every consumer, and a dedup key so a store that
// redelivers the same value (e.g. on reconnect) does not fan out
// duplicate events to the engine (spec.md §4.2).
package stream

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/kuuji/roomrtc/internal/signal"
)

// HashSDP is the stable non-cryptographic hash used to key SDP bodies for
// description dedup, per spec.md §4.2 ("hash(sdp) is any stable
// non-cryptographic hash of the SDP string").
func HashSDP(sdp string) uint64 {
	return xxhash.Sum64String(sdp)
}

// DescKey is the dedup identity for an offer or answer: (epoch, hash(sdp)).
type DescKey struct {
	Epoch int64
	Hash  uint64
}

// Stream is a deduplicated lazy sequence over values of type T, keyed by
// K. The zero value is not usable; construct with New.
type Stream[T any, K comparable] struct {
	keyFn func(T) K

	mu        sync.Mutex
	hasLast   bool
	lastValue T
	seen      map[K]struct{}
	consumers map[int]func(T)
	nextID    int
}

// New creates an empty Stream using keyFn to compute each value's dedup key.
func New[T any, K comparable](keyFn func(T) K) *Stream[T, K] {
	return &Stream[T, K]{keyFn: keyFn, seen: make(map[K]struct{}), consumers: make(map[int]func(T))}
}

// Feed delivers a raw value from the underlying store subscription. If its
// key matches the key of any value already delivered, it is dropped
// (dedup); otherwise it becomes the new replay-cache value and is
// broadcast to every current consumer in delivery order.
func (s *Stream[T, K]) Feed(v T) {
	key := s.keyFn(v)

	s.mu.Lock()
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[key] = struct{}{}
	s.hasLast = true
	s.lastValue = v
	consumers := make([]func(T), 0, len(s.consumers))
	for _, cb := range s.consumers {
		consumers = append(consumers, cb)
	}
	s.mu.Unlock()

	for _, cb := range consumers {
		cb(v)
	}
}

// Subscribe registers cb to receive every future deduplicated value, and
// immediately replays the current cached value (if any) to cb. The
// returned Unsubscribe removes cb; it is safe to call more than once.
func (s *Stream[T, K]) Subscribe(cb func(T)) signal.Unsubscribe {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.consumers[id] = cb
	hasLast, last := s.hasLast, s.lastValue
	s.mu.Unlock()

	if hasLast {
		cb(last)
	}

	return func() {
		s.mu.Lock()
		delete(s.consumers, id)
		s.mu.Unlock()
	}
}

// NewOfferStream wraps store's offer subscription in a deduplicated
// Stream. The returned signal.Unsubscribe tears down the underlying store
// subscription and must be released alongside every consumer Unsubscribe
// returned from Subscribe.
func NewOfferStream(store signal.Store) (*Stream[signal.OfferDescription, DescKey], signal.Unsubscribe) {
	s := New[signal.OfferDescription, DescKey](func(o signal.OfferDescription) DescKey {
		return DescKey{Epoch: o.Epoch, Hash: HashSDP(o.SDP)}
	})
	unsub := store.SubscribeOnOffer(s.Feed)
	return s, unsub
}

// NewAnswerStream wraps store's answer subscription in a deduplicated Stream.
func NewAnswerStream(store signal.Store) (*Stream[signal.AnswerDescription, DescKey], signal.Unsubscribe) {
	s := New[signal.AnswerDescription, DescKey](func(a signal.AnswerDescription) DescKey {
		return DescKey{Epoch: a.Epoch, Hash: HashSDP(a.SDP)}
	})
	unsub := store.SubscribeOnAnswer(s.Feed)
	return s, unsub
}

// NewCallerCandidateStream wraps store's caller-candidate subscription in
// a deduplicated Stream keyed by (epoch, candidate, sdpMid, sdpMLineIndex).
func NewCallerCandidateStream(store signal.Store) (*Stream[signal.Candidate, signal.CandidateKey], signal.Unsubscribe) {
	s := New[signal.Candidate, signal.CandidateKey](signal.Candidate.Key)
	unsub := store.SubscribeOnCallerICECandidate(s.Feed)
	return s, unsub
}

// NewCalleeCandidateStream wraps store's callee-candidate subscription in
// a deduplicated Stream keyed by (epoch, candidate, sdpMid, sdpMLineIndex).
func NewCalleeCandidateStream(store signal.Store) (*Stream[signal.Candidate, signal.CandidateKey], signal.Unsubscribe) {
	s := New[signal.Candidate, signal.CandidateKey](signal.Candidate.Key)
	unsub := store.SubscribeOnCalleeICECandidate(s.Feed)
	return s, unsub
}
