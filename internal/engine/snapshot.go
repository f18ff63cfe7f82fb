package engine

import "github.com/kuuji/roomrtc/internal/rtc"

// Snapshot is the non-authoritative peer/ICE/channel snapshot returned by
// Inspect and, when Config.Debug is set, passed to the debug handler slot
// (spec.md §4.4.2, §4.4.9).
type Snapshot struct {
	RoomID         string
	Role           string
	SignalingEpoch     int64
	PCGeneration       int64
	RemotePCGeneration int64
	Phase              string
	Lifecycle      string
	SelectedPath   string

	ConnectionState     string
	FastChannelOpen     bool
	ReliableChannelOpen bool

	LastErrorKind string
}

// Inspect returns a snapshot of the engine's current state. It is
// non-authoritative: callers must not branch production logic on it, only
// use it for observability.
func (e *Engine) Inspect() Snapshot {
	e.mu.Lock()
	s := Snapshot{
		RoomID:             e.roomID,
		Role:               string(e.role),
		SignalingEpoch:     e.signalingEpoch,
		PCGeneration:       e.pcGeneration,
		RemotePCGeneration: e.remotePcGeneration,
		Phase:              e.phase.String(),
		Lifecycle:          string(e.life),
		SelectedPath:       e.selectedPath,
	}
	peer := e.peer
	onDebug := e.onDebug
	if e.lastError != nil {
		s.LastErrorKind = string(e.lastError.Kind)
	}
	e.mu.Unlock()

	if peer != nil {
		s.ConnectionState = peer.ConnectionState().String()
	} else {
		s.ConnectionState = rtc.ConnectionStateNew.String()
	}
	s.FastChannelOpen = e.fast.isOpen()
	s.ReliableChannelOpen = e.reliable.isOpen()

	if onDebug != nil && e.cfg.Debug {
		onDebug(s)
	}

	return s
}
