package engine

import (
	"context"

	"github.com/kuuji/roomrtc/internal/errs"
	"github.com/kuuji/roomrtc/internal/ice"
	"github.com/kuuji/roomrtc/internal/rtc"
	"github.com/kuuji/roomrtc/internal/signal"
	"github.com/kuuji/roomrtc/internal/stream"
)

// subscribeStreams wires this engine's role to the relevant halves of the
// signaling store: the caller consumes answers and callee ICE candidates;
// the callee consumes offers and caller ICE candidates. Each side only
// ever sees "remote" events — its own writes are never subscribed back,
// which is sufficient to satisfy the "echoed own offer ignored" guarantee
// without relying on the store to filter or flag local writes (spec.md
// §4.1's guarantee is best-effort; this sidesteps needing it).
func (e *Engine) subscribeStreams() {
	if e.role == signal.RoleCaller {
		answerStream, unsub := stream.NewAnswerStream(e.store)
		e.answerStream = answerStream
		e.addStoreUnsub(unsub)
		e.addConsumerUnsub(answerStream.Subscribe(e.onAnswer))

		calleeICE, unsub2 := stream.NewCalleeCandidateStream(e.store)
		e.calleeICEStream = calleeICE
		e.addStoreUnsub(unsub2)
		e.addConsumerUnsub(calleeICE.Subscribe(e.onRemoteCandidate))
	} else {
		offerStream, unsub := stream.NewOfferStream(e.store)
		e.offerStream = offerStream
		e.addStoreUnsub(unsub)
		e.addConsumerUnsub(offerStream.Subscribe(e.onOffer))

		callerICE, unsub2 := stream.NewCallerCandidateStream(e.store)
		e.callerICEStream = callerICE
		e.addStoreUnsub(unsub2)
		e.addConsumerUnsub(callerICE.Subscribe(e.onRemoteCandidate))
	}
}

func (e *Engine) addStoreUnsub(u signal.Unsubscribe) {
	e.mu.Lock()
	e.storeUnsubs = append(e.storeUnsubs, u)
	e.mu.Unlock()
}

func (e *Engine) addConsumerUnsub(u signal.Unsubscribe) {
	e.mu.Lock()
	e.consumerUnsubs = append(e.consumerUnsubs, u)
	e.mu.Unlock()
}

// initPeer builds the first peer for this session: eagerly creates both
// data channels if caller (fast first, then reliable — fixing ordinal
// identity per spec.md §4.4.6), arms the LAN timer if applicable, and
// arms the connecting watchdog.
func (e *Engine) initPeer() {
	e.mu.Lock()
	phase := e.phase
	gen := e.pcGeneration
	e.life = lifecycleNegotiating
	e.mu.Unlock()

	peer, err := e.buildPeer(phase)
	if err != nil {
		e.reportError(errs.Wrap(err, errs.PhaseNegotiation))
		return
	}

	e.mu.Lock()
	e.peer = peer
	e.mu.Unlock()

	if e.role == signal.RoleCaller {
		e.createDataChannel(peer, e.fast, gen)
		e.createDataChannel(peer, e.reliable, gen)
	}

	if phase == ice.PhaseLAN && e.role == signal.RoleCaller {
		e.armLANTimer(gen)
	}
	e.armConnectingWatchdog(gen, phase)
}

func (e *Engine) buildPeer(phase ice.Phase) (rtc.PeerConnection, error) {
	cfg := ice.Configuration(phase, e.cfg.Servers, e.cfg.ForceRelay)
	peer, err := e.factory.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	gen := e.currentGeneration()

	peer.OnICECandidate(func(c *rtc.ICECandidateInit) {
		if c == nil || !e.isCurrentGeneration(gen) {
			return
		}
		e.onLocalCandidate(*c, gen)
	})

	peer.OnNegotiationNeeded(func() {
		if !e.isCurrentGeneration(gen) {
			return
		}
		e.handleNegotiationNeeded(gen)
	})

	peer.OnConnectionStateChange(func(state rtc.ConnectionState) {
		if !e.isCurrentGeneration(gen) {
			return
		}
		e.handleConnectionStateChange(state, gen)
	})

	if e.role == signal.RoleCallee {
		peer.OnDataChannel(func(dc rtc.DataChannelImpl) {
			if !e.isCurrentGeneration(gen) {
				return
			}
			e.routeIncomingDataChannel(dc, gen)
		})
	}

	return peer, nil
}

func (e *Engine) routeIncomingDataChannel(dc rtc.DataChannelImpl, gen int64) {
	switch dc.Label() {
	case e.cfg.FastLabel:
		e.createDataChannelFromRemote(dc, e.fast, gen)
	case e.cfg.ReliableLabel:
		e.createDataChannelFromRemote(dc, e.reliable, gen)
	}
}

func (e *Engine) createDataChannel(peer rtc.PeerConnection, slot *channelSlot, gen int64) {
	init := e.cfg.FastInit
	if slot.label == e.cfg.ReliableLabel {
		init = e.cfg.ReliableInit
	}
	dc, err := peer.CreateDataChannel(slot.label, &init)
	if err != nil {
		e.reportError(errs.Wrap(err, errs.PhaseTransport))
		return
	}
	e.bindChannel(dc, slot, gen)
}

func (e *Engine) createDataChannelFromRemote(dc rtc.DataChannelImpl, slot *channelSlot, gen int64) {
	e.bindChannel(dc, slot, gen)
}

func (e *Engine) bindChannel(dc rtc.DataChannelImpl, slot *channelSlot, gen int64) {
	isFast := slot.label == e.cfg.FastLabel
	slot.bind(dc, gen,
		func() {
			e.mu.Lock()
			onOpen := e.onFastOpen
			if !isFast {
				onOpen = e.onReliableOpen
			}
			e.mu.Unlock()
			if onOpen != nil {
				onOpen()
			}
			e.notifyReady()
		},
		func() {
			e.mu.Lock()
			onClose := e.onFastClose
			if !isFast {
				onClose = e.onReliableClose
			}
			e.mu.Unlock()
			if onClose != nil {
				onClose()
			}
			if e.isCurrentGeneration(gen) {
				e.handleChannelUnhealthy()
			}
		},
		func(text string) {
			e.mu.Lock()
			onMessage := e.onFastMessage
			if !isFast {
				onMessage = e.onReliableMessage
			}
			e.mu.Unlock()
			if onMessage != nil {
				onMessage(text)
			}
		},
	)
}

func (e *Engine) onLocalCandidate(c rtc.ICECandidateInit, gen int64) {
	e.mu.Lock()
	phase := e.phase
	epoch := e.signalingEpoch
	e.mu.Unlock()

	if !ice.ShouldSend(phase, c.Candidate) {
		return
	}

	candidate := signal.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
		Epoch:            epoch,
		PCGeneration:     gen,
	}

	ctx := context.Background()
	var err error
	if e.role == signal.RoleCaller {
		err = e.store.AddCallerICECandidate(ctx, candidate)
	} else {
		err = e.store.AddCalleeICECandidate(ctx, candidate)
	}
	if err != nil {
		e.reportError(errs.Wrap(err, errs.PhaseSignaling))
	}
}

func (e *Engine) handleNegotiationNeeded(gen int64) {
	e.mu.Lock()
	if e.makingOffer || e.answering {
		e.mu.Unlock()
		return
	}
	e.makingOffer = true
	peer := e.peer
	phase := e.phase
	epoch := e.signalingEpoch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.makingOffer = false
		e.mu.Unlock()
	}()

	if peer == nil || !e.isCurrentGeneration(gen) {
		return
	}

	ctx := context.Background()
	offer, err := peer.CreateOffer(ctx, false)
	if err != nil {
		e.reportError(errs.New(errs.KindSignalingFailed, errs.PhaseNegotiation, err))
		return
	}
	if err := peer.SetLocalDescription(ctx, offer); err != nil {
		e.reportError(errs.New(errs.KindSignalingFailed, errs.PhaseNegotiation, err))
		return
	}
	if !e.isCurrentGeneration(gen) {
		return
	}

	e.mu.Lock()
	e.lastLocalOfferSDP = offer.SDP
	e.mu.Unlock()

	_ = phase
	e.publishOffer(ctx, offer.SDP, epoch, gen)
}

func (e *Engine) publishOffer(ctx context.Context, sdp string, epoch, gen int64) {
	err := e.store.SetOffer(ctx, signal.OfferDescription{
		Type: signal.SDPTypeOffer, SDP: sdp, Epoch: epoch, PCGeneration: gen,
	})
	if err != nil {
		e.reportError(errs.Wrap(err, errs.PhaseSignaling))
	}
}

// onOffer handles a remote offer. Only the callee subscribes to the offer
// stream, so this is always a genuine remote event.
func (e *Engine) onOffer(o signal.OfferDescription) {
	e.mu.Lock()
	epoch := e.signalingEpoch
	e.mu.Unlock()

	if o.Epoch > epoch {
		e.handleEpochAdvance(o.Epoch)
	} else if o.Epoch < epoch {
		return
	}

	if o.PCGeneration > e.currentGeneration() {
		e.catchUpToRemoteGeneration(o.PCGeneration)
	}

	e.applyRemoteOffer(o.SDP, o.PCGeneration)
}

// catchUpToRemoteGeneration rebuilds the local peer (without advancing
// signalingEpoch) when a remote offer shows a pcGeneration ahead of ours —
// the passive side's half of the LAN→STUN transition (spec.md §4.4.4).
// remoteGen is remembered as remotePcGeneration per spec.md §4.4.3 step 3.
func (e *Engine) catchUpToRemoteGeneration(remoteGen int64) {
	e.mu.Lock()
	e.phase = ice.PhaseSTUN
	e.remotePcGeneration = remoteGen
	e.mu.Unlock()
	e.rebuildPeer(false)
}

func (e *Engine) applyRemoteOffer(sdp string, offerGen int64) {
	e.mu.Lock()
	peer := e.peer
	makingOffer := e.makingOffer
	e.mu.Unlock()
	if peer == nil {
		return
	}

	ctx := context.Background()
	polite := e.role == signal.RoleCallee

	offerCollision := makingOffer || peer.SignalingState() == rtc.SignalingStateHaveLocalOffer
	if offerCollision {
		if !polite {
			return
		}
		if err := peer.Rollback(ctx); err != nil {
			e.log.Debug("rollback during glare failed", "error", err)
		}
	}

	e.mu.Lock()
	e.answering = true
	gen := e.pcGeneration
	e.mu.Unlock()
	defer func() { e.mu.Lock(); e.answering = false; e.mu.Unlock() }()

	if err := peer.SetRemoteDescription(ctx, rtc.SessionDescription{Type: rtc.SDPTypeOffer, SDP: sdp}); err != nil {
		e.reportError(errs.New(errs.KindSignalingFailed, errs.PhaseNegotiation, err))
		return
	}
	e.markRemoteDescSet()
	e.drainPendingICE()

	answer, err := peer.CreateAnswer(ctx)
	if err != nil {
		e.reportError(errs.New(errs.KindSignalingFailed, errs.PhaseNegotiation, err))
		return
	}
	if err := peer.SetLocalDescription(ctx, answer); err != nil {
		e.reportError(errs.New(errs.KindSignalingFailed, errs.PhaseNegotiation, err))
		return
	}

	e.mu.Lock()
	e.lastLocalAnswerSDP = answer.SDP
	epoch := e.signalingEpoch
	e.mu.Unlock()

	if err := e.store.SetAnswer(ctx, signal.AnswerDescription{
		Type: signal.SDPTypeAnswer, SDP: answer.SDP, Epoch: epoch, PCGeneration: gen, ForPCGeneration: offerGen,
	}); err != nil {
		e.reportError(errs.Wrap(err, errs.PhaseSignaling))
	}
}

// onAnswer handles a remote answer. Only the caller subscribes to the
// answer stream.
func (e *Engine) onAnswer(a signal.AnswerDescription) {
	if a.ForPCGeneration != 0 && a.ForPCGeneration != e.currentGeneration() {
		// Stale answer targeting a prior peer generation — drop it
		// (spec.md §8 scenario 3).
		return
	}

	e.mu.Lock()
	if a.PCGeneration < e.remotePcGeneration {
		// Stale relative to the last generation we've observed from the
		// peer (spec.md §4.4.3 step 4).
		e.mu.Unlock()
		return
	}
	e.remotePcGeneration = a.PCGeneration
	epoch := e.signalingEpoch
	peer := e.peer
	e.mu.Unlock()

	if a.Epoch > epoch {
		e.handleEpochAdvance(a.Epoch)
		return
	} else if a.Epoch < epoch {
		return
	}
	if peer == nil {
		return
	}

	ctx := context.Background()
	if err := peer.SetRemoteDescription(ctx, rtc.SessionDescription{Type: rtc.SDPTypeAnswer, SDP: a.SDP}); err != nil {
		e.reportError(errs.New(errs.KindSignalingFailed, errs.PhaseNegotiation, err))
		return
	}
	e.markRemoteDescSet()
	e.drainPendingICE()
}

func (e *Engine) markRemoteDescSet() {
	e.mu.Lock()
	e.remoteDescSet = true
	e.mu.Unlock()
}

// onRemoteCandidate buffers a remote ICE candidate until the remote
// description has been applied, then forwards it, per spec.md §8 scenario 6.
func (e *Engine) onRemoteCandidate(c signal.Candidate) {
	e.mu.Lock()
	if c.PCGeneration < e.remotePcGeneration {
		// Stale relative to the last generation observed from the peer
		// (spec.md §4.4.3 step 2).
		e.mu.Unlock()
		return
	}
	role := e.role
	phase := e.phase
	e.mu.Unlock()

	// Callee is passive in LAN phase: seeing a non-host remote candidate
	// means the remote side has already upgraded, so catch up immediately
	// rather than waiting on an offer (spec.md §4.4.3 step 3, §4.4.4).
	if role == signal.RoleCallee && phase == ice.PhaseLAN && ice.GetCandidateType(c.Candidate) != ice.CandidateHost {
		e.mu.Lock()
		e.phase = ice.PhaseSTUN
		e.mu.Unlock()
		e.rebuildPeer(false)
	}

	e.mu.Lock()
	if !e.remoteDescSet {
		e.pendingICE = append(e.pendingICE, c)
		e.mu.Unlock()
		return
	}
	peer := e.peer
	phase = e.phase
	e.mu.Unlock()

	e.applyCandidate(peer, phase, c)
}

func (e *Engine) drainPendingICE() {
	e.mu.Lock()
	pending := e.pendingICE
	e.pendingICE = nil
	peer := e.peer
	phase := e.phase
	e.mu.Unlock()

	for _, c := range pending {
		e.applyCandidate(peer, phase, c)
	}
}

func (e *Engine) applyCandidate(peer rtc.PeerConnection, phase ice.Phase, c signal.Candidate) {
	if peer == nil || !ice.ShouldAccept(phase, c.Candidate) {
		return
	}
	if err := peer.AddICECandidate(rtc.ICECandidateInit{
		Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex, UsernameFragment: c.UsernameFragment,
	}); err != nil {
		// Per-candidate failures are reported but never abort drainage
		// (spec.md §7).
		e.reportError(errs.New(errs.KindSignalingFailed, errs.PhaseNegotiation, err))
	}
}

// handleEpochAdvance implements spec.md §4.4.5.
func (e *Engine) handleEpochAdvance(newEpoch int64) {
	e.mu.Lock()
	e.signalingEpoch = newEpoch
	e.makingOffer = false
	e.answering = false
	e.remoteDescSet = false
	e.pendingICE = nil
	e.mu.Unlock()

	e.rebuildPeer(true)
}

// rebuildPeer tears down the current peer and builds a new one at an
// incremented generation, optionally re-arming the LAN timer.
func (e *Engine) rebuildPeer(controlled bool) {
	e.mu.Lock()
	e.controlledPeerRebuild = controlled
	e.pcGeneration++
	gen := e.pcGeneration
	phase := e.phase
	e.mu.Unlock()

	if err := e.teardownPeer(); err != nil {
		e.log.Debug("closing peer during rebuild", "error", err)
	}

	peer, err := e.buildPeer(phase)
	if err != nil {
		e.reportError(errs.Wrap(err, errs.PhaseNegotiation))
		return
	}
	e.mu.Lock()
	e.peer = peer
	e.controlledPeerRebuild = false
	e.mu.Unlock()

	if e.role == signal.RoleCaller {
		e.createDataChannel(peer, e.fast, gen)
		e.createDataChannel(peer, e.reliable, gen)
	}

	if phase == ice.PhaseLAN && e.role == signal.RoleCaller {
		e.armLANTimer(gen)
	}
	e.armConnectingWatchdog(gen, phase)
}

// teardownPeer closes the current peer and resets both channel slots,
// returning any close error for the caller to aggregate (spec.md §4.4.2
// hangup/endRoom teardown combines independent failures rather than
// dropping all but one).
func (e *Engine) teardownPeer() error {
	e.mu.Lock()
	peer := e.peer
	e.peer = nil
	e.mu.Unlock()

	e.fast.reset()
	e.reliable.reset()

	if peer == nil {
		return nil
	}
	return peer.Close()
}
