package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/kuuji/roomrtc/internal/clock"
	"github.com/kuuji/roomrtc/internal/errs"
	"github.com/kuuji/roomrtc/internal/ice"
	"github.com/kuuji/roomrtc/internal/memstore"
	"github.com/kuuji/roomrtc/internal/rtc"
	"github.com/kuuji/roomrtc/internal/signal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func testConfig() Config {
	return Config{
		ConnectionStrategy: StrategyLANFirst,
		LANFirstTimeout:    DefaultLANFirstTimeout,
		Servers:            ice.Servers{STUN: []string{"stun:stun.example.com:3478"}},
	}
}

func newTestEngine(t *testing.T, role signal.Role, store signal.Store, clk clock.Clock) (*Engine, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	e := New(role, store, factory, clk, testConfig(), discardLogger())
	return e, factory
}

// --- scenario 1: LAN timeout falls back to STUN ---

func TestLANTimeoutFallsBackToSTUN(t *testing.T) {
	reg := memstore.NewRegistry()
	store := memstore.New(reg)
	clk := clock.NewVirtual(time.Unix(0, 0))

	e, factory := newTestEngine(t, signal.RoleCaller, store, clk)
	ctx := context.Background()

	roomID, err := e.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := e.JoinRoom(ctx, roomID); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if err := e.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if factory.count() != 1 {
		t.Fatalf("expected 1 peer built, got %d", factory.count())
	}
	if factory.last().cfg.ICEServers != nil {
		t.Fatalf("LAN phase peer should have no ICE servers, got %v", factory.last().cfg.ICEServers)
	}

	clk.Advance(DefaultLANFirstTimeout)

	if factory.count() != 2 {
		t.Fatalf("expected a second peer built after LAN timeout, got %d", factory.count())
	}
	if len(factory.last().cfg.ICEServers) == 0 {
		t.Fatal("STUN-phase peer should carry configured ICE servers")
	}
	if e.Inspect().Phase != "STUN" {
		t.Fatalf("expected phase STUN, got %s", e.Inspect().Phase)
	}
}

// --- scenario 2: connecting within the LAN window stays on LAN ---

func TestStaysInLANOnEarlyConnect(t *testing.T) {
	reg := memstore.NewRegistry()
	store := memstore.New(reg)
	clk := clock.NewVirtual(time.Unix(0, 0))

	e, factory := newTestEngine(t, signal.RoleCaller, store, clk)
	ctx := context.Background()

	roomID, _ := e.CreateRoom(ctx)
	_ = e.JoinRoom(ctx, roomID)
	_ = e.Connect(ctx)

	peer := factory.last()
	peer.channel(DefaultFastLabel).open()
	peer.channel(DefaultReliableLabel).open()
	peer.setConnectionState(rtc.ConnectionStateConnected)

	if e.Inspect().Lifecycle != string(lifecycleConnected) {
		t.Fatalf("expected lifecycle connected, got %s", e.Inspect().Lifecycle)
	}

	clk.Advance(DefaultLANFirstTimeout * 2)

	if factory.count() != 1 {
		t.Fatalf("expected no rebuild once ready within the LAN window, got %d peers", factory.count())
	}
}

// --- scenario 3: stale answer rejected by ForPCGeneration ---

func TestStaleAnswerRejectedByForPCGeneration(t *testing.T) {
	reg := memstore.NewRegistry()
	store := memstore.New(reg)
	clk := clock.NewVirtual(time.Unix(0, 0))

	e, factory := newTestEngine(t, signal.RoleCaller, store, clk)
	ctx := context.Background()

	roomID, _ := e.CreateRoom(ctx)
	_ = e.JoinRoom(ctx, roomID)
	_ = e.Connect(ctx)

	peer := factory.last()
	if peer.setRemoteDescriptionCount() != 0 {
		t.Fatal("no remote description should be applied yet")
	}

	err := store.SetAnswer(ctx, signal.AnswerDescription{
		Type: signal.SDPTypeAnswer, SDP: "stale-answer",
		Epoch: 0, PCGeneration: 7, ForPCGeneration: 7,
	})
	if err != nil {
		t.Fatalf("SetAnswer: %v", err)
	}

	if peer.setRemoteDescriptionCount() != 0 {
		t.Fatal("answer targeting a stale pcGeneration must be dropped")
	}
}

// --- scenario 4: callee catches up to a remote generation ahead of its own ---

func TestCalleeCatchesUpToRemoteGeneration(t *testing.T) {
	reg := memstore.NewRegistry()
	callerStore := memstore.New(reg)
	calleeStore := memstore.New(reg)
	clk := clock.NewVirtual(time.Unix(0, 0))

	ctx := context.Background()
	roomID, err := callerStore.CreateRoom(ctx)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	e, factory := newTestEngine(t, signal.RoleCallee, calleeStore, clk)
	if err := e.JoinRoom(ctx, roomID); err != nil {
		t.Fatalf("engine JoinRoom: %v", err)
	}
	if err := e.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if e.currentGeneration() != 1 {
		t.Fatalf("expected local generation 1, got %d", e.currentGeneration())
	}

	if err := callerStore.SetOffer(ctx, signal.OfferDescription{
		Type: signal.SDPTypeOffer, SDP: "S1", Epoch: 0, PCGeneration: 2,
	}); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}

	if factory.count() != 2 {
		t.Fatalf("expected the callee to rebuild its peer to catch up, got %d peers", factory.count())
	}
	if e.currentGeneration() != 2 {
		t.Fatalf("expected local generation to advance to 2, got %d", e.currentGeneration())
	}
	if e.Inspect().Phase != "STUN" {
		t.Fatalf("catch-up rebuild must move to STUN phase, got %s", e.Inspect().Phase)
	}
	if e.Inspect().SignalingEpoch != 0 {
		t.Fatal("catching up to a remote generation must not advance the signaling epoch")
	}
	if factory.last().setRemoteDescriptionCount() != 1 {
		t.Fatal("the rebuilt peer should have received the offer")
	}
}

// --- scenario 5: an echo of the caller's own offer is never applied ---

func TestEchoedOwnOfferIgnored(t *testing.T) {
	reg := memstore.NewRegistry()
	store := memstore.New(reg)
	clk := clock.NewVirtual(time.Unix(0, 0))

	e, factory := newTestEngine(t, signal.RoleCaller, store, clk)
	ctx := context.Background()

	roomID, _ := e.CreateRoom(ctx)
	_ = e.JoinRoom(ctx, roomID)
	_ = e.Connect(ctx)

	peer := factory.last()

	if err := store.SetOffer(ctx, signal.OfferDescription{
		Type: signal.SDPTypeOffer, SDP: peer.localDescriptionSDP(), Epoch: 0, PCGeneration: 1,
	}); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}

	if peer.setRemoteDescriptionCount() != 0 {
		t.Fatal("the caller must never apply its own echoed offer as a remote description")
	}
}

// --- scenario 6: remote ICE candidates are buffered until the remote
// description is applied ---

func TestICEBufferedBeforeRemoteDescriptionSet(t *testing.T) {
	reg := memstore.NewRegistry()
	callerStore := memstore.New(reg)
	calleeStore := memstore.New(reg)
	clk := clock.NewVirtual(time.Unix(0, 0))

	ctx := context.Background()
	roomID, _ := callerStore.CreateRoom(ctx)

	e, factory := newTestEngine(t, signal.RoleCallee, calleeStore, clk)
	_ = e.JoinRoom(ctx, roomID)
	_ = e.Connect(ctx)

	peer := factory.last()

	if err := callerStore.AddCallerICECandidate(ctx, signal.Candidate{
		Candidate: "candidate:1 1 UDP 2122260223 192.0.2.10 54321 typ host",
		Epoch:     0, PCGeneration: 1,
	}); err != nil {
		t.Fatalf("AddCallerICECandidate: %v", err)
	}

	if peer.addedCandidateCount() != 0 {
		t.Fatal("a candidate arriving before the remote description must be buffered, not applied")
	}

	if err := callerStore.SetOffer(ctx, signal.OfferDescription{
		Type: signal.SDPTypeOffer, SDP: "S1", Epoch: 0, PCGeneration: 1,
	}); err != nil {
		t.Fatalf("SetOffer: %v", err)
	}

	if peer.addedCandidateCount() != 1 {
		t.Fatalf("expected the buffered candidate to drain once the offer was applied, got %d", peer.addedCandidateCount())
	}
}

// --- universal invariant: a data channel close from a torn-down peer's
// stale impl must not trigger recovery for the current generation ---

func TestStaleChannelCloseIgnoredAfterRebuild(t *testing.T) {
	reg := memstore.NewRegistry()
	store := memstore.New(reg)
	clk := clock.NewVirtual(time.Unix(0, 0))

	e, factory := newTestEngine(t, signal.RoleCaller, store, clk)
	ctx := context.Background()

	roomID, _ := e.CreateRoom(ctx)
	_ = e.JoinRoom(ctx, roomID)
	_ = e.Connect(ctx)

	firstPeer := factory.last()
	staleFast := firstPeer.channel(DefaultFastLabel)

	clk.Advance(DefaultLANFirstTimeout)
	if factory.count() != 2 {
		t.Fatalf("expected rebuild after LAN timeout, got %d peers", factory.count())
	}

	// A close callback firing late from the torn-down peer's channel must
	// be recognized as stale and not flip the new slot's open state.
	factory.last().channel(DefaultFastLabel).open()
	staleFast.fireClose()

	if !e.Inspect().FastChannelOpen {
		t.Fatal("stale close must not clear the current fast channel's open state")
	}
}

// --- SendFast enqueues while the channel is not yet open, then drains on open ---

func TestSendFastQueuesUntilChannelOpen(t *testing.T) {
	reg := memstore.NewRegistry()
	store := memstore.New(reg)
	clk := clock.NewVirtual(time.Unix(0, 0))

	e, factory := newTestEngine(t, signal.RoleCaller, store, clk)
	ctx := context.Background()

	roomID, _ := e.CreateRoom(ctx)
	_ = e.JoinRoom(ctx, roomID)
	_ = e.Connect(ctx)

	e.SendFast("hello")

	peer := factory.last()
	fast := peer.channel(DefaultFastLabel)
	if len(fast.sentMessages()) != 0 {
		t.Fatal("message should not be sent before the channel opens")
	}

	fast.open()

	msgs := fast.sentMessages()
	if len(msgs) != 1 || msgs[0] != "hello" {
		t.Fatalf("expected the queued message to drain on open, got %v", msgs)
	}
}

// --- boundary: createRoom surfaces a store failure as DB_UNAVAILABLE ---

func TestCreateRoomStoreFailureIsDBUnavailable(t *testing.T) {
	reg := memstore.NewRegistry()
	store := memstore.New(reg).WithFailureInjection(func(op string) error {
		if op == "CreateRoom" {
			return fmt.Errorf("database temporarily unavailable")
		}
		return nil
	})
	clk := clock.NewVirtual(time.Unix(0, 0))

	e, _ := newTestEngine(t, signal.RoleCaller, store, clk)

	_, err := e.CreateRoom(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	var ee *errs.Error
	if !errors.As(err, &ee) || ee.Kind != errs.KindDBUnavailable {
		t.Fatalf("expected DB_UNAVAILABLE, got %v", err)
	}
}

// --- boundary: a native auth-shaped error classifies as AUTH_REQUIRED ---

func TestNativeAuthErrorClassifiesAsAuthRequired(t *testing.T) {
	reg := memstore.NewRegistry()
	store := memstore.New(reg).WithFailureInjection(func(op string) error {
		if op == "CreateRoom" {
			return fmt.Errorf("401 unauthorized")
		}
		return nil
	})
	clk := clock.NewVirtual(time.Unix(0, 0))

	e, _ := newTestEngine(t, signal.RoleCaller, store, clk)

	_, err := e.CreateRoom(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	var ee *errs.Error
	if !errors.As(err, &ee) || ee.Kind != errs.KindAuthRequired {
		t.Fatalf("expected AUTH_REQUIRED, got %v", err)
	}
}

// --- boundary: connect() against an unknown room surfaces ROOM_NOT_FOUND ---

func TestConnectWithUnknownRoomIsRoomNotFound(t *testing.T) {
	reg := memstore.NewRegistry()
	store := memstore.New(reg)
	clk := clock.NewVirtual(time.Unix(0, 0))

	e, _ := newTestEngine(t, signal.RoleCaller, store, clk)

	// Bypass joinRoom's own existence check to exercise connect()'s
	// independent ROOM_NOT_FOUND path (spec.md §4.4.2).
	e.mu.Lock()
	e.roomID = "no-such-room"
	e.mu.Unlock()

	err := e.Connect(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	var ee *errs.Error
	if !errors.As(err, &ee) || ee.Kind != errs.KindRoomNotFound {
		t.Fatalf("expected ROOM_NOT_FOUND, got %v", err)
	}
}

// --- boundary: waitReady timeout carries inspect/timeoutMs details ---

func TestWaitReadyTimeoutCarriesDetails(t *testing.T) {
	reg := memstore.NewRegistry()
	store := memstore.New(reg)
	clk := clock.NewVirtual(time.Unix(0, 0))

	e, _ := newTestEngine(t, signal.RoleCaller, store, clk)
	ctx := context.Background()

	roomID, _ := e.CreateRoom(ctx)
	_ = e.JoinRoom(ctx, roomID)
	_ = e.Connect(ctx)

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- e.WaitReady(context.Background(), 5*time.Second)
	}()

	waitForReadyWaiter(t, e)
	clk.Advance(5 * time.Second)

	err := <-resultCh
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	var ee *errs.Error
	if !errors.As(err, &ee) || ee.Kind != errs.KindWaitReadyTimeout {
		t.Fatalf("expected WAIT_READY_TIMEOUT, got %v", err)
	}
	if ee.Details == nil || ee.Details["inspect"] == nil || ee.Details["timeoutMs"] == nil {
		t.Fatalf("expected inspect/timeoutMs in details, got %v", ee.Details)
	}
}

// waitForReadyWaiter blocks until WaitReady has registered its waiter
// channel, so the test can safely advance the virtual clock past the
// timer WaitReady is about to arm.
func waitForReadyWaiter(t *testing.T, e *Engine) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		e.mu.Lock()
		n := len(e.readyWaiters)
		e.mu.Unlock()
		if n > 0 {
			time.Sleep(time.Millisecond)
			return
		}
		runtime.Gosched()
	}
	t.Fatal("timed out waiting for WaitReady to register")
}

// --- round-trip: connect() is idempotent ---

func TestDoubleConnectIsIdempotent(t *testing.T) {
	reg := memstore.NewRegistry()
	store := memstore.New(reg)
	clk := clock.NewVirtual(time.Unix(0, 0))

	e, factory := newTestEngine(t, signal.RoleCaller, store, clk)
	ctx := context.Background()

	roomID, _ := e.CreateRoom(ctx)
	_ = e.JoinRoom(ctx, roomID)

	if err := e.Connect(ctx); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := e.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if factory.count() != 1 {
		t.Fatalf("expected a single peer across both connect() calls, got %d", factory.count())
	}
}

// --- round-trip: hangup() is idempotent ---

func TestDoubleHangupIsIdempotent(t *testing.T) {
	reg := memstore.NewRegistry()
	store := memstore.New(reg)
	clk := clock.NewVirtual(time.Unix(0, 0))

	e, factory := newTestEngine(t, signal.RoleCaller, store, clk)
	ctx := context.Background()

	roomID, _ := e.CreateRoom(ctx)
	_ = e.JoinRoom(ctx, roomID)
	_ = e.Connect(ctx)

	e.Hangup()
	e.Hangup()

	if !factory.last().isClosed() {
		t.Fatal("expected the peer to be closed after hangup")
	}
	if e.Inspect().Lifecycle != string(lifecycleClosing) {
		t.Fatalf("expected lifecycle closing after hangup, got %s", e.Inspect().Lifecycle)
	}
}
