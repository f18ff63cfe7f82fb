// Package memstore is a reference in-process implementation of
// signal.Store. It is test/reference infrastructure (spec.md Non-goals
// exclude mandating any particular signaling backend) that implements
// the room-lifecycle and epoch-bump-on-reattach rules exactly, so the
// engine has something concrete to run against.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kuuji/roomrtc/internal/signal"
)

// Store is an in-process signal.Store backed by a shared registry keyed by
// room ID, so two Store handles created against the same Registry observe
// each other's writes — modeling two browser tabs talking through the same
// backend document.
type Store struct {
	reg    *Registry
	roomID string
	role   signal.Role
	failer func(op string) error
}

// Registry holds room documents shared across Store handles. The zero
// value is ready to use.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	mu    sync.Mutex
	doc   signal.Room
	subs  subscriptions
}

type subscriptions struct {
	offer       map[int]func(signal.OfferDescription)
	answer      map[int]func(signal.AnswerDescription)
	callerICE   map[int]func(signal.Candidate)
	calleeICE   map[int]func(signal.Candidate)
	nextID      int
}

// NewRegistry creates an empty room Registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// New creates a Store handle bound to reg. Call CreateRoom or JoinRoom to
// bind it to a specific room document.
func New(reg *Registry) *Store {
	return &Store{reg: reg}
}

// WithFailureInjection returns a copy of s whose next calls invoke failer
// before executing; failer returning a non-nil error aborts the call. This
// exists purely for exercising the engine's store-error classification
// (DB_UNAVAILABLE, AUTH_REQUIRED) in tests.
func (s *Store) WithFailureInjection(failer func(op string) error) *Store {
	cp := *s
	cp.failer = failer
	return &cp
}

func (s *Store) fail(op string) error {
	if s.failer == nil {
		return nil
	}
	return s.failer(op)
}

func (s *Store) CreateRoom(ctx context.Context) (string, error) {
	if err := s.fail("CreateRoom"); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s.reg.mu.Lock()
	s.reg.rooms[id] = &room{
		subs: subscriptions{
			offer:     make(map[int]func(signal.OfferDescription)),
			answer:    make(map[int]func(signal.AnswerDescription)),
			callerICE: make(map[int]func(signal.Candidate)),
			calleeICE: make(map[int]func(signal.Candidate)),
		},
	}
	s.reg.mu.Unlock()
	s.roomID = id
	s.role = signal.RoleCaller
	return id, nil
}

func (s *Store) JoinRoom(ctx context.Context, roomID string, role signal.Role) error {
	if err := s.fail("JoinRoom"); err != nil {
		return err
	}
	s.reg.mu.Lock()
	r, ok := s.reg.rooms[roomID]
	s.reg.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such room: %s", roomID)
	}

	// Epoch bump on re-attach with prior activity (spec.md §6): a second
	// participant joining a room that already shows evidence of a prior
	// session (offer/answer present, or epoch already advanced) means this
	// is a reload — invalidate everything the previous session published.
	r.mu.Lock()
	if r.doc.HadPriorActivity() {
		r.doc.Epoch++
		r.doc.Offer = nil
		r.doc.Answer = nil
	}
	r.mu.Unlock()

	s.roomID = roomID
	s.role = role
	return nil
}

func (s *Store) GetRoom(ctx context.Context) (*signal.Room, error) {
	if err := s.fail("GetRoom"); err != nil {
		return nil, err
	}
	r, err := s.room()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	doc := r.doc
	return &doc, nil
}

func (s *Store) EndRoom(ctx context.Context) error {
	if err := s.fail("EndRoom"); err != nil {
		return err
	}
	s.reg.mu.Lock()
	delete(s.reg.rooms, s.roomID)
	s.reg.mu.Unlock()
	return nil
}

func (s *Store) SetOffer(ctx context.Context, desc signal.OfferDescription) error {
	if err := s.fail("SetOffer"); err != nil {
		return err
	}
	r, err := s.room()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.doc.Offer = &desc
	subs := cloneOfferSubs(r.subs.offer)
	r.mu.Unlock()
	for _, cb := range subs {
		cb(desc)
	}
	return nil
}

func (s *Store) ClearOffer(ctx context.Context) error {
	if err := s.fail("ClearOffer"); err != nil {
		return err
	}
	r, err := s.room()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.doc.Offer = nil
	r.mu.Unlock()
	return nil
}

func (s *Store) SetAnswer(ctx context.Context, desc signal.AnswerDescription) error {
	if err := s.fail("SetAnswer"); err != nil {
		return err
	}
	r, err := s.room()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.doc.Answer = &desc
	subs := cloneAnswerSubs(r.subs.answer)
	r.mu.Unlock()
	for _, cb := range subs {
		cb(desc)
	}
	return nil
}

func (s *Store) ClearAnswer(ctx context.Context) error {
	if err := s.fail("ClearAnswer"); err != nil {
		return err
	}
	r, err := s.room()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.doc.Answer = nil
	r.mu.Unlock()
	return nil
}

func (s *Store) AddCallerICECandidate(ctx context.Context, c signal.Candidate) error {
	return s.addCandidate(c, true)
}

func (s *Store) AddCalleeICECandidate(ctx context.Context, c signal.Candidate) error {
	return s.addCandidate(c, false)
}

func (s *Store) addCandidate(c signal.Candidate, caller bool) error {
	op := "AddCalleeICECandidate"
	if caller {
		op = "AddCallerICECandidate"
	}
	if err := s.fail(op); err != nil {
		return err
	}
	r, err := s.room()
	if err != nil {
		return err
	}
	r.mu.Lock()
	var subs []func(signal.Candidate)
	if caller {
		subs = cloneCandidateSubs(r.subs.callerICE)
	} else {
		subs = cloneCandidateSubs(r.subs.calleeICE)
	}
	r.mu.Unlock()
	for _, cb := range subs {
		cb(c)
	}
	return nil
}

func (s *Store) ClearCallerCandidates(ctx context.Context) error {
	if err := s.fail("ClearCallerCandidates"); err != nil {
		return err
	}
	return nil
}

func (s *Store) ClearCalleeCandidates(ctx context.Context) error {
	if err := s.fail("ClearCalleeCandidates"); err != nil {
		return err
	}
	return nil
}

func (s *Store) SubscribeOnOffer(cb func(signal.OfferDescription)) signal.Unsubscribe {
	r, err := s.room()
	if err != nil {
		return func() {}
	}
	r.mu.Lock()
	id := r.subs.nextID
	r.subs.nextID++
	r.subs.offer[id] = cb
	current := r.doc.Offer
	r.mu.Unlock()

	if current != nil {
		cb(*current)
	}

	return func() {
		r.mu.Lock()
		delete(r.subs.offer, id)
		r.mu.Unlock()
	}
}

func (s *Store) SubscribeOnAnswer(cb func(signal.AnswerDescription)) signal.Unsubscribe {
	r, err := s.room()
	if err != nil {
		return func() {}
	}
	r.mu.Lock()
	id := r.subs.nextID
	r.subs.nextID++
	r.subs.answer[id] = cb
	current := r.doc.Answer
	r.mu.Unlock()

	if current != nil {
		cb(*current)
	}

	return func() {
		r.mu.Lock()
		delete(r.subs.answer, id)
		r.mu.Unlock()
	}
}

func (s *Store) SubscribeOnCallerICECandidate(cb func(signal.Candidate)) signal.Unsubscribe {
	return s.subscribeCandidates(cb, true)
}

func (s *Store) SubscribeOnCalleeICECandidate(cb func(signal.Candidate)) signal.Unsubscribe {
	return s.subscribeCandidates(cb, false)
}

func (s *Store) subscribeCandidates(cb func(signal.Candidate), caller bool) signal.Unsubscribe {
	r, err := s.room()
	if err != nil {
		return func() {}
	}
	r.mu.Lock()
	id := r.subs.nextID
	r.subs.nextID++
	if caller {
		r.subs.callerICE[id] = cb
	} else {
		r.subs.calleeICE[id] = cb
	}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		if caller {
			delete(r.subs.callerICE, id)
		} else {
			delete(r.subs.calleeICE, id)
		}
		r.mu.Unlock()
	}
}

func (s *Store) room() (*room, error) {
	s.reg.mu.Lock()
	r, ok := s.reg.rooms[s.roomID]
	s.reg.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no such room: %s", s.roomID)
	}
	return r, nil
}

func cloneOfferSubs(m map[int]func(signal.OfferDescription)) []func(signal.OfferDescription) {
	out := make([]func(signal.OfferDescription), 0, len(m))
	for _, cb := range m {
		out = append(out, cb)
	}
	return out
}

func cloneAnswerSubs(m map[int]func(signal.AnswerDescription)) []func(signal.AnswerDescription) {
	out := make([]func(signal.AnswerDescription), 0, len(m))
	for _, cb := range m {
		out = append(out, cb)
	}
	return out
}

func cloneCandidateSubs(m map[int]func(signal.Candidate)) []func(signal.Candidate) {
	out := make([]func(signal.Candidate), 0, len(m))
	for _, cb := range m {
		out = append(out, cb)
	}
	return out
}
