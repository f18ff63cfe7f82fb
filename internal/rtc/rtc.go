// Package rtc declares the host-provided WebRTC capability set the
// session engine is built against: a peer connection type supporting
// offer/answer negotiation and ICE trickle, and a data channel type with
// buffered-amount backpressure. The concrete primitives (pion/webrtc or
// any other implementation) are an external collaborator — this package
// only describes the shape the engine needs, so the engine can be driven
// against a fake in tests and against rtcpion in production.
package rtc

import "context"

// SDPType distinguishes an offer from an answer.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is an SDP blob tagged with its type.
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// ICECandidateInit is a single ICE candidate as exchanged over signaling.
type ICECandidateInit struct {
	Candidate        string
	SDPMid           *string
	SDPMLineIndex    *uint16
	UsernameFragment *string
}

// SignalingState mirrors the subset of RTCSignalingState the negotiation
// state machine inspects.
type SignalingState int

const (
	SignalingStateStable SignalingState = iota
	SignalingStateHaveLocalOffer
	SignalingStateHaveRemoteOffer
	SignalingStateClosed
)

func (s SignalingState) String() string {
	switch s {
	case SignalingStateStable:
		return "stable"
	case SignalingStateHaveLocalOffer:
		return "have-local-offer"
	case SignalingStateHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionState mirrors the subset of RTCPeerConnectionState/ICE state
// the engine needs to drive watchdogs and recovery.
type ConnectionState int

const (
	ConnectionStateNew ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateDisconnected
	ConnectionStateFailed
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DataChannelState mirrors RTCDataChannelState.
type DataChannelState int

const (
	DataChannelStateConnecting DataChannelState = iota
	DataChannelStateOpen
	DataChannelStateClosing
	DataChannelStateClosed
)

// DataChannelInit configures ordering/reliability for a newly created
// data channel. A nil field takes the host implementation's default.
type DataChannelInit struct {
	Ordered        *bool
	MaxRetransmits *uint16
}

// ICEServer is one STUN/TURN server entry.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Configuration parametrizes a new PeerConnection.
type Configuration struct {
	ICEServers []ICEServer
	ForceRelay bool
}

// DataChannel is the host capability surface for a single data channel.
type DataChannel struct {
	// Label is the channel's label, fixed at creation.
	Label string
	// Impl is the host-specific handle (e.g. *rtcpion channel wrapper).
	Impl DataChannelImpl
}

// DataChannelImpl is implemented by a concrete host data channel.
type DataChannelImpl interface {
	Label() string
	ReadyState() DataChannelState
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(threshold uint64)
	Send(data []byte) error
	SendText(s string) error
	OnOpen(f func())
	OnClose(f func())
	OnError(f func(error))
	OnBufferedAmountLow(f func())
	// OnMessage registers the inbound-message handler. isString reports
	// whether the message was sent via SendText.
	OnMessage(f func(data []byte, isString bool))
	Close() error
}

// PeerConnection is the host capability surface for one underlying
// RTCPeerConnection-equivalent object. Every method here is expected to
// be cheap/non-blocking except where documented; SDP operations that
// involve network I/O (e.g. full ICE gathering) take a context.
type PeerConnection interface {
	CreateDataChannel(label string, init *DataChannelInit) (DataChannelImpl, error)

	// CreateOffer generates a local offer. If iceRestart is true the offer
	// carries the ICE restart flag (new ufrag/pwd).
	CreateOffer(ctx context.Context, iceRestart bool) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(ctx context.Context, desc SessionDescription) error
	SetRemoteDescription(ctx context.Context, desc SessionDescription) error
	// Rollback reverts a pending local offer back to stable, used by the
	// polite side during glare resolution.
	Rollback(ctx context.Context) error

	SignalingState() SignalingState
	HasRemoteDescription() bool

	AddICECandidate(c ICECandidateInit) error

	OnICECandidate(f func(candidate *ICECandidateInit))
	OnNegotiationNeeded(f func())
	OnConnectionStateChange(f func(ConnectionState))
	OnDataChannel(f func(dc DataChannelImpl))

	ConnectionState() ConnectionState

	// SelectedCandidateTypes reports the local/remote candidate type
	// ("host"|"srflx"|"relay"|"") of the currently selected pair, or
	// ok=false if no pair is selected yet.
	SelectedCandidateTypes() (local, remote string, ok bool)

	Close() error
}

// Factory creates a new PeerConnection for the given configuration. The
// engine calls this once per peer generation.
type Factory interface {
	NewPeerConnection(cfg Configuration) (PeerConnection, error)
}
