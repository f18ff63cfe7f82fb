package storews

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kuuji/roomrtc/internal/signal"
	"github.com/kuuji/roomrtc/pkg/wire"
)

// ClientConfig configures a Store.
type ClientConfig struct {
	// ServerURL is the WebSocket URL of the hub (e.g. "ws://localhost:8080/connect").
	ServerURL string
	// Logger is the structured logger; slog.Default() if nil.
	Logger *slog.Logger
	// DialTimeout bounds each dial attempt. Defaults to 10s.
	DialTimeout time.Duration
	// Reconnect controls automatic reconnection behavior.
	Reconnect ReconnectConfig
}

// ReconnectConfig controls the reconnection backoff strategy, mirroring
// the teacher's signaling.ReconnectConfig.
type ReconnectConfig struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// Store is a signal.Store implementation backed by a WebSocket connection
// to a Hub. It caches the last-known Room document locally so GetRoom can
// answer synchronously, and fans out incoming offer/answer/candidate
// messages to subscribers exactly like memstore.
type Store struct {
	cfg ClientConfig
	log *slog.Logger

	roomID string
	role   signal.Role

	mu   sync.Mutex
	conn *websocket.Conn
	doc  signal.Room

	subs struct {
		nextID    int
		offer     map[int]func(signal.OfferDescription)
		answer    map[int]func(signal.AnswerDescription)
		callerICE map[int]func(signal.Candidate)
		calleeICE map[int]func(signal.Candidate)
	}

	done   chan struct{}
	cancel context.CancelFunc
}

// New creates a Store. Call JoinRoom (the caller typically calls
// CreateRoom against the Hub out of band first, e.g. over HTTP, then
// JoinRoom with the returned ID) before any other operation.
func New(cfg ClientConfig) *Store {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Store{cfg: cfg, log: log}
	s.subs.offer = make(map[int]func(signal.OfferDescription))
	s.subs.answer = make(map[int]func(signal.AnswerDescription))
	s.subs.callerICE = make(map[int]func(signal.Candidate))
	s.subs.calleeICE = make(map[int]func(signal.Candidate))
	return s
}

func (s *Store) CreateRoom(ctx context.Context) (string, error) {
	return "", errors.New("storews: CreateRoom must be performed out-of-band against the Hub; use JoinRoom with the returned id")
}

func (s *Store) JoinRoom(ctx context.Context, roomID string, role signal.Role) error {
	s.roomID = roomID
	s.role = role

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	if err := s.dial(ctx); err != nil {
		cancel()
		return fmt.Errorf("connecting to signaling hub: %w", err)
	}

	if err := s.sendJoin(ctx); err != nil {
		cancel()
		s.closeConn()
		return fmt.Errorf("sending join message: %w", err)
	}

	go s.receiveLoop(ctx)
	return nil
}

func (s *Store) GetRoom(ctx context.Context) (*signal.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.doc
	return &doc, nil
}

func (s *Store) EndRoom(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *Store) SetOffer(ctx context.Context, desc signal.OfferDescription) error {
	return s.send(ctx, &wire.OfferMessage{
		RoomID: s.roomID, SDP: desc.SDP, Epoch: desc.Epoch, PCGeneration: desc.PCGeneration,
	})
}

func (s *Store) ClearOffer(ctx context.Context) error { return nil }

func (s *Store) SetAnswer(ctx context.Context, desc signal.AnswerDescription) error {
	return s.send(ctx, &wire.AnswerMessage{
		RoomID: s.roomID, SDP: desc.SDP, Epoch: desc.Epoch,
		PCGeneration: desc.PCGeneration, ForPCGeneration: desc.ForPCGeneration,
	})
}

func (s *Store) ClearAnswer(ctx context.Context) error { return nil }

func (s *Store) AddCallerICECandidate(ctx context.Context, c signal.Candidate) error {
	return s.sendCandidate(ctx, c, "caller")
}

func (s *Store) AddCalleeICECandidate(ctx context.Context, c signal.Candidate) error {
	return s.sendCandidate(ctx, c, "callee")
}

func (s *Store) sendCandidate(ctx context.Context, c signal.Candidate, fromRole string) error {
	return s.send(ctx, &wire.ICECandidateMessage{
		RoomID: s.roomID, FromRole: fromRole, Candidate: c.Candidate,
		SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex, UsernameFragment: c.UsernameFragment,
		Epoch: c.Epoch, PCGeneration: c.PCGeneration,
	})
}

func (s *Store) ClearCallerCandidates(ctx context.Context) error { return nil }
func (s *Store) ClearCalleeCandidates(ctx context.Context) error { return nil }

func (s *Store) SubscribeOnOffer(cb func(signal.OfferDescription)) signal.Unsubscribe {
	s.mu.Lock()
	id := s.subs.nextID
	s.subs.nextID++
	s.subs.offer[id] = cb
	current := s.doc.Offer
	s.mu.Unlock()
	if current != nil {
		cb(*current)
	}
	return func() {
		s.mu.Lock()
		delete(s.subs.offer, id)
		s.mu.Unlock()
	}
}

func (s *Store) SubscribeOnAnswer(cb func(signal.AnswerDescription)) signal.Unsubscribe {
	s.mu.Lock()
	id := s.subs.nextID
	s.subs.nextID++
	s.subs.answer[id] = cb
	current := s.doc.Answer
	s.mu.Unlock()
	if current != nil {
		cb(*current)
	}
	return func() {
		s.mu.Lock()
		delete(s.subs.answer, id)
		s.mu.Unlock()
	}
}

func (s *Store) SubscribeOnCallerICECandidate(cb func(signal.Candidate)) signal.Unsubscribe {
	s.mu.Lock()
	id := s.subs.nextID
	s.subs.nextID++
	s.subs.callerICE[id] = cb
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs.callerICE, id)
		s.mu.Unlock()
	}
}

func (s *Store) SubscribeOnCalleeICECandidate(cb func(signal.Candidate)) signal.Unsubscribe {
	s.mu.Lock()
	id := s.subs.nextID
	s.subs.nextID++
	s.subs.calleeICE[id] = cb
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs.calleeICE, id)
		s.mu.Unlock()
	}
}

func (s *Store) send(ctx context.Context, msg wire.Message) error {
	data, err := wire.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func (s *Store) dial(ctx context.Context) error {
	dialTimeout := s.cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.cfg.ServerURL, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *Store) sendJoin(ctx context.Context) error {
	return s.send(ctx, &wire.JoinMessage{RoomID: s.roomID, Role: string(s.role)})
}

func (s *Store) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

func (s *Store) receiveLoop(ctx context.Context) {
	defer close(s.done)
	for {
		err := s.readMessages(ctx)
		if err == nil || ctx.Err() != nil {
			s.closeConn()
			return
		}
		s.log.Warn("signaling connection lost", "error", err)
		s.closeConn()
		if !s.cfg.Reconnect.Enabled {
			return
		}
		if !s.reconnect(ctx) {
			return
		}
	}
}

func (s *Store) readMessages(ctx context.Context) error {
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return errors.New("no connection")
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		msg, err := wire.Unmarshal(data)
		if err != nil {
			s.log.Warn("ignoring malformed message", "error", err)
			continue
		}
		s.dispatch(msg)
	}
}

// dispatch updates the cached Room document and fans the message out to
// subscribers. Dedup against replays is the Signal Stream Layer's job
// (internal/stream), not this client's — it delivers every message the
// hub sends, in delivery order.
func (s *Store) dispatch(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.OfferMessage:
		desc := signal.OfferDescription{Type: signal.SDPTypeOffer, SDP: m.SDP, Epoch: m.Epoch, PCGeneration: m.PCGeneration}
		s.mu.Lock()
		s.doc.Offer = &desc
		subs := make([]func(signal.OfferDescription), 0, len(s.subs.offer))
		for _, cb := range s.subs.offer {
			subs = append(subs, cb)
		}
		s.mu.Unlock()
		for _, cb := range subs {
			cb(desc)
		}
	case *wire.AnswerMessage:
		desc := signal.AnswerDescription{
			Type: signal.SDPTypeAnswer, SDP: m.SDP, Epoch: m.Epoch,
			PCGeneration: m.PCGeneration, ForPCGeneration: m.ForPCGeneration,
		}
		s.mu.Lock()
		s.doc.Answer = &desc
		subs := make([]func(signal.AnswerDescription), 0, len(s.subs.answer))
		for _, cb := range s.subs.answer {
			subs = append(subs, cb)
		}
		s.mu.Unlock()
		for _, cb := range subs {
			cb(desc)
		}
	case *wire.ICECandidateMessage:
		c := signal.Candidate{
			Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex,
			UsernameFragment: m.UsernameFragment, Epoch: m.Epoch, PCGeneration: m.PCGeneration,
		}
		s.mu.Lock()
		var subs []func(signal.Candidate)
		if m.FromRole == "caller" {
			subs = make([]func(signal.Candidate), 0, len(s.subs.callerICE))
			for _, cb := range s.subs.callerICE {
				subs = append(subs, cb)
			}
		} else {
			subs = make([]func(signal.Candidate), 0, len(s.subs.calleeICE))
			for _, cb := range s.subs.calleeICE {
				subs = append(subs, cb)
			}
		}
		s.mu.Unlock()
		for _, cb := range subs {
			cb(c)
		}
	case *wire.EpochMessage:
		s.mu.Lock()
		if m.Epoch > s.doc.Epoch {
			s.doc.Epoch = m.Epoch
			s.doc.Offer = nil
			s.doc.Answer = nil
		}
		s.mu.Unlock()
	}
}

// reconnect re-establishes the connection with exponential backoff,
// exactly as the teacher's signaling.Client does.
func (s *Store) reconnect(ctx context.Context) bool {
	initialDelay := s.cfg.Reconnect.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	maxDelay := s.cfg.Reconnect.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	maxAttempts := s.cfg.Reconnect.MaxAttempts

	for attempt := 1; maxAttempts == 0 || attempt <= maxAttempts; attempt++ {
		backoff := maxDelay
		if attempt <= 62 {
			backoff = time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
		}
		if backoff <= 0 || backoff > maxDelay {
			backoff = maxDelay
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		if err := s.dial(ctx); err != nil {
			s.log.Warn("reconnection failed", "attempt", attempt, "error", err)
			continue
		}
		if err := s.sendJoin(ctx); err != nil {
			s.log.Warn("rejoin failed", "attempt", attempt, "error", err)
			s.closeConn()
			continue
		}
		s.log.Info("reconnected to signaling hub", "attempt", attempt)
		return true
	}

	s.log.Error("reconnection attempts exhausted")
	return false
}

var _ http.Handler = (*Hub)(nil)
