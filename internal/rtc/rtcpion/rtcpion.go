// Package rtcpion adapts github.com/pion/webrtc/v4 to the rtc.PeerConnection
// and rtc.DataChannelImpl interfaces. It is the concrete host capability
// implementation the engine runs against in production, descended from
// the teacher's internal/webrtc Peer/datachan helpers.
package rtcpion

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/kuuji/roomrtc/internal/rtc"
)

// Factory creates pion-backed PeerConnections. A zero Factory uses the
// default pion API; API may be set to a custom *webrtc.API (e.g. with a
// SettingEngine configuring a TURN-over-WebSocket proxy dialer).
type Factory struct {
	API *webrtc.API
}

func (f Factory) NewPeerConnection(cfg rtc.Configuration) (rtc.PeerConnection, error) {
	rtcConfig := webrtc.Configuration{ICEServers: toPionICEServers(cfg.ICEServers)}
	if cfg.ForceRelay {
		rtcConfig.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}

	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if f.API != nil {
		pc, err = f.API.NewPeerConnection(rtcConfig)
	} else {
		pc, err = webrtc.NewPeerConnection(rtcConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	p := &peerConn{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		p.mu.Lock()
		cb := p.onICECandidate
		p.mu.Unlock()
		if cb == nil {
			return
		}
		if c == nil {
			cb(nil)
			return
		}
		init := c.ToJSON()
		cb(&rtc.ICECandidateInit{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnNegotiationNeeded(func() {
		p.mu.Lock()
		cb := p.onNegotiationNeeded
		p.mu.Unlock()
		if cb != nil {
			cb()
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.mu.Lock()
		cb := p.onConnectionStateChange
		p.mu.Unlock()
		if cb != nil {
			cb(fromPionConnectionState(state))
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		p.mu.Lock()
		cb := p.onDataChannel
		p.mu.Unlock()
		if cb != nil {
			cb(newDataChannel(dc))
		}
	})

	return p, nil
}

type peerConn struct {
	pc *webrtc.PeerConnection

	mu                      sync.Mutex
	onICECandidate          func(*rtc.ICECandidateInit)
	onNegotiationNeeded     func()
	onConnectionStateChange func(rtc.ConnectionState)
	onDataChannel           func(rtc.DataChannelImpl)
}

func (p *peerConn) CreateDataChannel(label string, init *rtc.DataChannelInit) (rtc.DataChannelImpl, error) {
	var pionInit *webrtc.DataChannelInit
	if init != nil {
		pionInit = &webrtc.DataChannelInit{
			Ordered:        init.Ordered,
			MaxRetransmits: init.MaxRetransmits,
		}
	}
	dc, err := p.pc.CreateDataChannel(label, pionInit)
	if err != nil {
		return nil, fmt.Errorf("creating data channel %q: %w", label, err)
	}
	return newDataChannel(dc), nil
}

func (p *peerConn) CreateOffer(ctx context.Context, iceRestart bool) (rtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := p.pc.CreateOffer(opts)
	if err != nil {
		return rtc.SessionDescription{}, fmt.Errorf("creating offer: %w", err)
	}
	return rtc.SessionDescription{Type: rtc.SDPTypeOffer, SDP: offer.SDP}, nil
}

func (p *peerConn) CreateAnswer(ctx context.Context) (rtc.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return rtc.SessionDescription{}, fmt.Errorf("creating answer: %w", err)
	}
	return rtc.SessionDescription{Type: rtc.SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (p *peerConn) SetLocalDescription(ctx context.Context, desc rtc.SessionDescription) error {
	var sdpType webrtc.SDPType
	switch desc.Type {
	case rtc.SDPTypeOffer:
		sdpType = webrtc.SDPTypeOffer
	case rtc.SDPTypeAnswer:
		sdpType = webrtc.SDPTypeAnswer
	}
	if err := p.pc.SetLocalDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	return nil
}

func (p *peerConn) SetRemoteDescription(ctx context.Context, desc rtc.SessionDescription) error {
	var sdpType webrtc.SDPType
	switch desc.Type {
	case rtc.SDPTypeOffer:
		sdpType = webrtc.SDPTypeOffer
	case rtc.SDPTypeAnswer:
		sdpType = webrtc.SDPTypeAnswer
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

func (p *peerConn) Rollback(ctx context.Context) error {
	if err := p.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		return fmt.Errorf("rolling back local description: %w", err)
	}
	return nil
}

func (p *peerConn) SignalingState() rtc.SignalingState {
	switch p.pc.SignalingState() {
	case webrtc.SignalingStateStable:
		return rtc.SignalingStateStable
	case webrtc.SignalingStateHaveLocalOffer:
		return rtc.SignalingStateHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer:
		return rtc.SignalingStateHaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return rtc.SignalingStateClosed
	default:
		return rtc.SignalingStateStable
	}
}

func (p *peerConn) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

func (p *peerConn) AddICECandidate(c rtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

func (p *peerConn) OnICECandidate(f func(*rtc.ICECandidateInit)) {
	p.mu.Lock()
	p.onICECandidate = f
	p.mu.Unlock()
}

func (p *peerConn) OnNegotiationNeeded(f func()) {
	p.mu.Lock()
	p.onNegotiationNeeded = f
	p.mu.Unlock()
}

func (p *peerConn) OnConnectionStateChange(f func(rtc.ConnectionState)) {
	p.mu.Lock()
	p.onConnectionStateChange = f
	p.mu.Unlock()
}

func (p *peerConn) OnDataChannel(f func(rtc.DataChannelImpl)) {
	p.mu.Lock()
	p.onDataChannel = f
	p.mu.Unlock()
}

func (p *peerConn) ConnectionState() rtc.ConnectionState {
	return fromPionConnectionState(p.pc.ConnectionState())
}

func (p *peerConn) SelectedCandidateTypes() (local, remote string, ok bool) {
	sctp := p.pc.SCTP()
	if sctp == nil || sctp.Transport() == nil || sctp.Transport().ICETransport() == nil {
		return "", "", false
	}
	pair, err := sctp.Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil || pair == nil {
		return "", "", false
	}
	return pair.Local.Typ.String(), pair.Remote.Typ.String(), true
}

func (p *peerConn) Close() error {
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	return nil
}

func fromPionConnectionState(s webrtc.PeerConnectionState) rtc.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return rtc.ConnectionStateNew
	case webrtc.PeerConnectionStateConnecting:
		return rtc.ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return rtc.ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return rtc.ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return rtc.ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return rtc.ConnectionStateClosed
	default:
		return rtc.ConnectionStateNew
	}
}

func toPionICEServers(servers []rtc.ICEServer) []webrtc.ICEServer {
	if len(servers) == 0 {
		return nil
	}
	out := make([]webrtc.ICEServer, len(servers))
	for i, s := range servers {
		out[i] = webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		}
	}
	return out
}
