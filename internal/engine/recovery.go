package engine

import (
	"context"
	"time"

	"github.com/kuuji/roomrtc/internal/errs"
	"github.com/kuuji/roomrtc/internal/ice"
	"github.com/kuuji/roomrtc/internal/rtc"
)

func (e *Engine) armLANTimer(gen int64) {
	timer := e.clk.AfterFunc(e.cfg.LANFirstTimeout, func() { e.onLANTimeout(gen) })
	e.mu.Lock()
	e.lanTimer = timer
	e.mu.Unlock()
}

// onLANTimeout implements spec.md §4.4.4: if the peer is neither
// connected nor has both channels open, fall back to STUN without
// advancing signalingEpoch.
func (e *Engine) onLANTimeout(gen int64) {
	if !e.isCurrentGeneration(gen) {
		return
	}
	if e.isReady() {
		return
	}

	e.mu.Lock()
	e.phase = ice.PhaseSTUN
	e.mu.Unlock()

	e.rebuildPeer(false)
}

func (e *Engine) cancelLANTimer() {
	e.mu.Lock()
	timer := e.lanTimer
	e.lanTimer = nil
	e.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (e *Engine) armConnectingWatchdog(gen int64, phase ice.Phase) {
	d := connectingWatchdogSTUN
	if phase == ice.PhaseLAN {
		d = connectingWatchdogLAN
	}
	timer := e.clk.AfterFunc(d, func() { e.onConnectingWatchdog(gen, phase) })
	e.mu.Lock()
	e.connectingWatchdog = timer
	e.mu.Unlock()
}

func (e *Engine) cancelConnectingWatchdog() {
	e.mu.Lock()
	timer := e.connectingWatchdog
	e.connectingWatchdog = nil
	e.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
}

func (e *Engine) onConnectingWatchdog(gen int64, phase ice.Phase) {
	if !e.isCurrentGeneration(gen) || e.isReady() {
		return
	}

	e.log.Warn("connecting watchdog fired", "phase", phase, "generation", gen)

	if phase == ice.PhaseSTUN {
		e.mu.Lock()
		if e.watchdogHardReconnects >= maxWatchdogHardReconnectsInSTUN {
			e.mu.Unlock()
			return
		}
		e.watchdogHardReconnects++
		e.mu.Unlock()
	}

	if err := e.ReconnectHard(context.Background(), 0); err != nil {
		e.log.Debug("watchdog-triggered hard reconnect failed", "error", err)
	}
}

func (e *Engine) armDataChannelWatchdog(gen int64) {
	timer := e.clk.AfterFunc(dataChannelRecoveryWait, func() { e.onDataChannelWatchdog(gen) })
	e.mu.Lock()
	e.dcWatchdog = timer
	e.mu.Unlock()
}

func (e *Engine) onDataChannelWatchdog(gen int64) {
	if !e.isCurrentGeneration(gen) {
		return
	}
	if e.fast.isOpen() && e.reliable.isOpen() {
		return
	}
	if err := e.ReconnectSoft(context.Background()); err != nil {
		e.log.Debug("data-channel recovery soft reconnect failed", "error", err)
	}
}

// handleConnectionStateChange drives the recovery watchdogs and selected
// path inference described in spec.md §4.4.7/§4.4.9.
func (e *Engine) handleConnectionStateChange(state rtc.ConnectionState, gen int64) {
	e.mu.Lock()
	cb := e.onConnectionStateChange
	e.mu.Unlock()
	if cb != nil {
		cb(state)
	}

	switch state {
	case rtc.ConnectionStateConnected:
		e.cancelConnectingWatchdog()
		e.cancelLANTimer()
		e.inferSelectedPath()
		e.armDataChannelWatchdog(gen)
		e.notifyReady()
	case rtc.ConnectionStateDisconnected:
		e.scheduleSoftThenHard(gen)
	case rtc.ConnectionStateFailed, rtc.ConnectionStateClosed:
		e.mu.Lock()
		softTimer := e.softTimer
		e.softTimer = nil
		e.mu.Unlock()
		if softTimer != nil {
			softTimer.Stop()
		}
		if err := e.ReconnectHard(context.Background(), 0); err != nil {
			e.log.Debug("hard recovery after failed/closed state failed", "error", err)
		}
	}
}

// handleChannelUnhealthy is invoked when a data channel closes while its
// owning peer is still current; if the peer's connection looks unhealthy,
// the same soft-then-hard recovery schedule applies.
func (e *Engine) handleChannelUnhealthy() {
	e.mu.Lock()
	peer := e.peer
	gen := e.pcGeneration
	e.mu.Unlock()
	if peer == nil {
		return
	}
	switch peer.ConnectionState() {
	case rtc.ConnectionStateDisconnected, rtc.ConnectionStateFailed, rtc.ConnectionStateClosed:
		e.scheduleSoftThenHard(gen)
	}
}

// scheduleSoftThenHard arms both the soft-reconnect timer (doubling up to
// a cap on each fire) and the hard-reconnect timer, per spec.md §4.4.7.
func (e *Engine) scheduleSoftThenHard(gen int64) {
	e.mu.Lock()
	softDelay := e.softDelay
	hardDelay := e.hardDelay
	e.softDelay = min(e.softDelay*2, softDelayMax)
	e.hardDelay = min(e.hardDelay*2, hardDelayMax)
	e.mu.Unlock()

	softTimer := e.clk.AfterFunc(softDelay, func() {
		if !e.isCurrentGeneration(gen) || e.isReady() {
			return
		}
		if err := e.ReconnectSoft(context.Background()); err != nil {
			e.log.Debug("scheduled soft reconnect failed", "error", err)
		}
	})
	hardTimer := e.clk.AfterFunc(hardDelay, func() {
		if !e.isCurrentGeneration(gen) || e.isReady() {
			return
		}
		if err := e.ReconnectHard(context.Background(), 0); err != nil {
			e.log.Debug("scheduled hard reconnect failed", "error", err)
		}
	})

	e.mu.Lock()
	e.softTimer = softTimer
	e.hardTimer = hardTimer
	e.mu.Unlock()
}

// ReconnectSoft creates and publishes an ICE-restart offer on the existing
// peer, requiring stable signaling state and no offer already in flight.
func (e *Engine) ReconnectSoft(ctx context.Context) error {
	e.mu.Lock()
	if e.roomID == "" {
		e.mu.Unlock()
		return errs.New(errs.KindRoomNotSelected, errs.PhaseReconnect, nil)
	}
	peer := e.peer
	if peer == nil || e.makingOffer || peer.SignalingState() != rtc.SignalingStateStable {
		e.mu.Unlock()
		return nil
	}
	e.makingOffer = true
	gen := e.pcGeneration
	epoch := e.signalingEpoch
	e.life = lifecycleSoftReconnect
	e.mu.Unlock()

	defer func() { e.mu.Lock(); e.makingOffer = false; e.mu.Unlock() }()

	offer, err := peer.CreateOffer(ctx, true)
	if err != nil {
		return errs.New(errs.KindSignalingFailed, errs.PhaseReconnect, err)
	}
	if err := peer.SetLocalDescription(ctx, offer); err != nil {
		return errs.New(errs.KindSignalingFailed, errs.PhaseReconnect, err)
	}

	e.mu.Lock()
	e.lastLocalOfferSDP = offer.SDP
	e.mu.Unlock()

	e.publishOffer(ctx, offer.SDP, epoch, gen)
	return nil
}

// ReconnectHard tears down the current peer, builds a new one at an
// incremented generation, and waits for readiness (spec.md §4.4.8).
func (e *Engine) ReconnectHard(ctx context.Context, timeout time.Duration) error {
	e.mu.Lock()
	if e.roomID == "" {
		e.mu.Unlock()
		return errs.New(errs.KindRoomNotSelected, errs.PhaseReconnect, nil)
	}
	e.life = lifecycleHardReconnect
	e.mu.Unlock()

	e.rebuildPeer(true)

	return e.WaitReady(ctx, timeout)
}

// inferSelectedPath implements spec.md §4.4.9.
func (e *Engine) inferSelectedPath() {
	e.mu.Lock()
	phase := e.phase
	peer := e.peer
	e.mu.Unlock()

	if phase == ice.PhaseLAN {
		e.mu.Lock()
		e.selectedPath = "host"
		e.mu.Unlock()
		return
	}

	if peer == nil {
		return
	}
	local, remote, ok := peer.SelectedCandidateTypes()
	if !ok {
		e.mu.Lock()
		e.selectedPath = "unknown"
		e.mu.Unlock()
		return
	}

	path := "unknown"
	for _, typ := range []string{"srflx", "relay", "host"} {
		if local == typ || remote == typ {
			path = typ
			break
		}
	}
	e.mu.Lock()
	e.selectedPath = path
	e.mu.Unlock()
}
