package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/kuuji/roomrtc/internal/clock"
	"github.com/kuuji/roomrtc/internal/errs"
	"github.com/kuuji/roomrtc/internal/ice"
	"github.com/kuuji/roomrtc/internal/rtc"
	"github.com/kuuji/roomrtc/internal/signal"
	"github.com/kuuji/roomrtc/internal/stream"
)

type lifecycle string

const (
	lifecycleIdle          lifecycle = "idle"
	lifecycleSubscribed    lifecycle = "subscribed"
	lifecycleNegotiating   lifecycle = "negotiating"
	lifecycleConnected     lifecycle = "connected"
	lifecycleSoftReconnect lifecycle = "soft-reconnect"
	lifecycleHardReconnect lifecycle = "hard-reconnect"
	lifecycleClosing       lifecycle = "closing"
)

// Engine is the session engine: one instance drives one room's peer
// connection and data channels for one role (caller or callee).
type Engine struct {
	role    signal.Role
	store   signal.Store
	factory rtc.Factory
	clk     clock.Clock
	cfg     Config
	log     *slog.Logger

	mu            sync.Mutex
	roomID        string
	connectCalled bool
	closed        bool

	signalingEpoch     int64
	pcGeneration       int64
	remotePcGeneration int64
	phase              ice.Phase
	life               lifecycle

	peer     rtc.PeerConnection
	fast     *channelSlot
	reliable *channelSlot

	makingOffer   bool
	answering     bool
	remoteDescSet bool
	pendingICE    []signal.Candidate

	lastLocalOfferSDP  string
	lastLocalAnswerSDP string

	offerStream     *stream.Stream[signal.OfferDescription, stream.DescKey]
	answerStream    *stream.Stream[signal.AnswerDescription, stream.DescKey]
	callerICEStream *stream.Stream[signal.Candidate, signal.CandidateKey]
	calleeICEStream *stream.Stream[signal.Candidate, signal.CandidateKey]

	storeUnsubs []signal.Unsubscribe
	consumerUnsubs []signal.Unsubscribe

	lanTimer           clock.Timer
	connectingWatchdog clock.Timer
	dcWatchdog         clock.Timer
	softTimer          clock.Timer
	hardTimer          clock.Timer

	controlledPeerRebuild  bool
	softDelay              time.Duration
	hardDelay              time.Duration
	watchdogHardReconnects int

	selectedPath string
	lastError    *errs.Error

	readyWaiters []chan struct{}

	onFastMessage           func(string)
	onReliableMessage       func(string)
	onConnectionStateChange func(rtc.ConnectionState)
	onFastOpen              func()
	onFastClose             func()
	onReliableOpen          func()
	onReliableClose         func()
	onErrorHandler          func(*errs.Error)
	onDebug                 func(Snapshot)
}

// New constructs an Engine bound to store and factory for the given role.
func New(role signal.Role, store signal.Store, factory rtc.Factory, clk clock.Clock, cfg Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	cfg = resolveConfig(cfg)
	phase := ice.PhaseSTUN
	if cfg.ConnectionStrategy == StrategyLANFirst {
		phase = ice.PhaseLAN
	}
	return &Engine{
		role:         role,
		store:        store,
		factory:      factory,
		clk:          clk,
		cfg:          cfg,
		log:          log.With("component", "engine", "role", role),
		phase:        phase,
		life:         lifecycleIdle,
		pcGeneration: 1,
		softDelay: softDelayStart,
		hardDelay: hardDelayStart,
		fast:      newChannelSlot(cfg.FastLabel, cfg.FastBufferedAmountLowThreshold),
		reliable:  newChannelSlot(cfg.ReliableLabel, cfg.ReliableBufferedAmountLowThreshold),
	}
}

// --- handler slot setters (spec.md §4.4.1: slot-replacement, disposer returned) ---

func (e *Engine) OnFastMessage(f func(string)) func() {
	e.mu.Lock()
	e.onFastMessage = f
	e.mu.Unlock()
	return func() { e.mu.Lock(); e.onFastMessage = nil; e.mu.Unlock() }
}

func (e *Engine) OnReliableMessage(f func(string)) func() {
	e.mu.Lock()
	e.onReliableMessage = f
	e.mu.Unlock()
	return func() { e.mu.Lock(); e.onReliableMessage = nil; e.mu.Unlock() }
}

func (e *Engine) OnConnectionStateChange(f func(rtc.ConnectionState)) func() {
	e.mu.Lock()
	e.onConnectionStateChange = f
	e.mu.Unlock()
	return func() { e.mu.Lock(); e.onConnectionStateChange = nil; e.mu.Unlock() }
}

func (e *Engine) OnFastOpen(f func()) func() {
	e.mu.Lock()
	e.onFastOpen = f
	e.mu.Unlock()
	return func() { e.mu.Lock(); e.onFastOpen = nil; e.mu.Unlock() }
}

func (e *Engine) OnFastClose(f func()) func() {
	e.mu.Lock()
	e.onFastClose = f
	e.mu.Unlock()
	return func() { e.mu.Lock(); e.onFastClose = nil; e.mu.Unlock() }
}

func (e *Engine) OnReliableOpen(f func()) func() {
	e.mu.Lock()
	e.onReliableOpen = f
	e.mu.Unlock()
	return func() { e.mu.Lock(); e.onReliableOpen = nil; e.mu.Unlock() }
}

func (e *Engine) OnReliableClose(f func()) func() {
	e.mu.Lock()
	e.onReliableClose = f
	e.mu.Unlock()
	return func() { e.mu.Lock(); e.onReliableClose = nil; e.mu.Unlock() }
}

func (e *Engine) OnError(f func(*errs.Error)) func() {
	e.mu.Lock()
	e.onErrorHandler = f
	e.mu.Unlock()
	return func() { e.mu.Lock(); e.onErrorHandler = nil; e.mu.Unlock() }
}

func (e *Engine) OnDebug(f func(Snapshot)) func() {
	e.mu.Lock()
	e.onDebug = f
	e.mu.Unlock()
	return func() { e.mu.Lock(); e.onDebug = nil; e.mu.Unlock() }
}

// reportError sets the last-error slot and fires the error handler. Per
// spec.md §7, internal handlers must never let an error escape across the
// executor boundary — they call this instead of returning/panicking.
func (e *Engine) reportError(err *errs.Error) {
	e.mu.Lock()
	e.lastError = err
	handler := e.onErrorHandler
	e.mu.Unlock()
	e.log.Warn("engine error", "kind", err.Kind, "phase", err.Phase, "error", err.Cause)
	if handler != nil {
		handler(err)
	}
}

func (e *Engine) clearError() {
	e.mu.Lock()
	e.lastError = nil
	e.mu.Unlock()
}

// --- public operations (spec.md §4.4.2) ---

func (e *Engine) CreateRoom(ctx context.Context) (string, error) {
	roomID, err := e.store.CreateRoom(ctx)
	if err != nil {
		wrapped := errs.Wrap(err, errs.PhaseRoom)
		e.reportError(wrapped)
		return "", wrapped
	}
	e.mu.Lock()
	e.roomID = roomID
	e.mu.Unlock()
	return roomID, nil
}

func (e *Engine) JoinRoom(ctx context.Context, roomID string) error {
	if err := e.store.JoinRoom(ctx, roomID, e.role); err != nil {
		wrapped := errs.Wrap(err, errs.PhaseRoom)
		e.reportError(wrapped)
		return wrapped
	}
	room, err := e.store.GetRoom(ctx)
	if err != nil {
		wrapped := errs.Wrap(err, errs.PhaseRoom)
		e.reportError(wrapped)
		return wrapped
	}
	e.mu.Lock()
	e.roomID = roomID
	e.signalingEpoch = room.Epoch
	e.life = lifecycleSubscribed
	e.mu.Unlock()
	return nil
}

// Connect is idempotent: a second call while already connected is a no-op.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.connectCalled {
		e.mu.Unlock()
		return nil
	}
	roomID := e.roomID
	e.mu.Unlock()

	if roomID == "" {
		err := errs.New(errs.KindRoomNotSelected, errs.PhaseRoom, nil)
		e.reportError(err)
		return err
	}

	room, getErr := e.store.GetRoom(ctx)
	if getErr != nil {
		wrapped := errs.Wrap(getErr, errs.PhaseRoom)
		e.reportError(wrapped)
		return wrapped
	}
	if room == nil {
		err := errs.New(errs.KindRoomNotFound, errs.PhaseRoom, nil)
		e.reportError(err)
		return err
	}

	e.mu.Lock()
	e.connectCalled = true
	e.mu.Unlock()

	e.subscribeStreams()
	e.initPeer()
	e.clearError()
	return nil
}

// SendFast enqueues/sends text on the fast (unordered, zero-retransmit) channel.
func (e *Engine) SendFast(text string) { e.fast.send(text) }

// SendReliable enqueues/sends text on the reliable (ordered) channel.
func (e *Engine) SendReliable(text string) { e.reliable.send(text) }

// WaitReady blocks until the peer is connected and both channels are open,
// or timeout elapses.
func (e *Engine) WaitReady(ctx context.Context, timeout time.Duration) error {
	if timeout == 0 {
		timeout = e.cfg.WaitReadyTimeout
	}

	if e.isReady() {
		return nil
	}

	ch := make(chan struct{})
	e.mu.Lock()
	e.readyWaiters = append(e.readyWaiters, ch)
	e.mu.Unlock()

	timer := e.clk.AfterFunc(timeout, func() { close(ch) })
	select {
	case <-ch:
		timer.Stop()
		if e.isReady() {
			return nil
		}
		err := errs.New(errs.KindWaitReadyTimeout, errs.PhaseLifecycle, nil).
			WithDetails(map[string]any{"inspect": e.Inspect(), "timeoutMs": timeout.Milliseconds()})
		e.reportError(err)
		return err
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}

func (e *Engine) isReady() bool {
	e.mu.Lock()
	peer := e.peer
	e.mu.Unlock()
	if peer == nil {
		return false
	}
	return peer.ConnectionState() == rtc.ConnectionStateConnected && e.fast.isOpen() && e.reliable.isOpen()
}

func (e *Engine) notifyReady() {
	e.mu.Lock()
	if !(e.peer != nil && e.peer.ConnectionState() == rtc.ConnectionStateConnected && e.fast.isOpen() && e.reliable.isOpen()) {
		e.mu.Unlock()
		return
	}
	waiters := e.readyWaiters
	e.readyWaiters = nil
	e.life = lifecycleConnected
	e.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	e.resetRecoveryCounters()
	e.clearError()
}

// Hangup cancels all timers, unsubscribes streams, and closes the peer and
// channels. Safe to call more than once. Independent teardown failures are
// aggregated (not dropped) and reported through the error slot.
func (e *Engine) Hangup() {
	if err := e.hangup(); err != nil {
		e.reportError(errs.Wrap(err, errs.PhaseLifecycle))
	}
}

func (e *Engine) hangup() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.life = lifecycleClosing
	e.mu.Unlock()

	e.stopAllTimers()
	unsubErr := e.unsubscribeStreams()
	closeErr := e.teardownPeer()
	return multierr.Combine(unsubErr, closeErr)
}

// EndRoom hangs up then deletes the room via the store, combining any
// teardown failure with the store's own error rather than discarding one.
func (e *Engine) EndRoom(ctx context.Context) error {
	hangupErr := e.hangup()
	endErr := e.store.EndRoom(ctx)
	combined := multierr.Combine(hangupErr, endErr)
	if combined != nil {
		wrapped := errs.Wrap(combined, errs.PhaseRoom)
		e.reportError(wrapped)
		return wrapped
	}
	return nil
}

func (e *Engine) stopAllTimers() {
	e.mu.Lock()
	timers := []clock.Timer{e.lanTimer, e.connectingWatchdog, e.dcWatchdog, e.softTimer, e.hardTimer}
	e.lanTimer, e.connectingWatchdog, e.dcWatchdog, e.softTimer, e.hardTimer = nil, nil, nil, nil, nil
	e.mu.Unlock()
	for _, t := range timers {
		if t != nil {
			t.Stop()
		}
	}
}

// unsubscribeStreams releases every consumer subscription and then every
// underlying store subscription, each batch fanned out concurrently via
// errgroup — the store subscriptions must outlive the consumer ones, since
// a stream's Feed may still be in flight when its consumer unsubscribes.
func (e *Engine) unsubscribeStreams() error {
	e.mu.Lock()
	consumerUnsubs := e.consumerUnsubs
	storeUnsubs := e.storeUnsubs
	e.consumerUnsubs = nil
	e.storeUnsubs = nil
	e.mu.Unlock()

	if err := runUnsubs(consumerUnsubs); err != nil {
		return err
	}
	return runUnsubs(storeUnsubs)
}

func runUnsubs(unsubs []signal.Unsubscribe) error {
	var g errgroup.Group
	for _, u := range unsubs {
		u := u
		g.Go(func() error {
			u()
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) resetRecoveryCounters() {
	e.mu.Lock()
	e.softDelay = softDelayStart
	e.hardDelay = hardDelayStart
	e.watchdogHardReconnects = 0
	e.mu.Unlock()
}

// isCurrentGeneration centralizes the "stale event" guard from spec.md §9:
// every async handler captures G at the start and re-checks it after every
// suspension.
func (e *Engine) isCurrentGeneration(g int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pcGeneration == g
}

func (e *Engine) currentGeneration() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pcGeneration
}
