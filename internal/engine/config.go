// Package engine implements the session engine: the perfect-negotiation
// state machine that drives one WebRTC peer connection and its two data
// channels from a replaceable signaling Store, with glare resolution,
// epoch/generation gating, LAN-first ICE strategy, and soft/hard
// reconnect recovery (spec.md §4.4).
package engine

import (
	"time"

	"github.com/kuuji/roomrtc/internal/ice"
	"github.com/kuuji/roomrtc/internal/rtc"
)

// Strategy selects the ICE phase policy used on connect.
type Strategy int

const (
	// StrategyLANFirst tries host-only candidates before falling back to
	// STUN after a timeout (the default).
	StrategyLANFirst Strategy = iota
	// StrategyDefault skips the LAN phase and gathers with STUN from the start.
	StrategyDefault
)

const (
	DefaultFastLabel     = "fast"
	DefaultReliableLabel = "reliable"

	DefaultLANFirstTimeout = 1800 * time.Millisecond
	DefaultWaitReadyTimeout = 15 * time.Second

	DefaultFastBufferedAmountLowThreshold     = 64 * 1024
	DefaultReliableBufferedAmountLowThreshold = 256 * 1024

	// Watchdog timings, spec.md §4.4.7.
	connectingWatchdogLAN  = 6500 * time.Millisecond
	connectingWatchdogSTUN = 25 * time.Second
	dataChannelRecoveryWait = 1200 * time.Millisecond

	softDelayStart = 250 * time.Millisecond
	softDelayMax   = 2500 * time.Millisecond
	hardDelayStart = 6 * time.Second
	hardDelayMax   = 30 * time.Second

	maxWatchdogHardReconnectsInSTUN = 2
)

// Config configures a newly constructed Engine. All fields have sensible
// zero-value-friendly defaults applied by resolveConfig.
type Config struct {
	ConnectionStrategy Strategy

	// LANFirstTimeout bounds how long the caller waits in the LAN phase
	// before rebuilding with STUN servers.
	LANFirstTimeout time.Duration

	// Servers supplies the STUN/TURN server list used once in STUN phase.
	Servers ice.Servers
	// ForceRelay forces TURN relay use for every peer built in STUN phase.
	ForceRelay bool

	FastLabel     string
	ReliableLabel string

	FastInit     rtc.DataChannelInit
	ReliableInit rtc.DataChannelInit

	FastBufferedAmountLowThreshold     uint64
	ReliableBufferedAmountLowThreshold uint64

	WaitReadyTimeout time.Duration

	// Debug enables snapshot emission via the debug handler slot. It is
	// off unless set, in tests as elsewhere.
	Debug bool
}

func resolveConfig(cfg Config) Config {
	if cfg.FastLabel == "" {
		cfg.FastLabel = DefaultFastLabel
	}
	if cfg.ReliableLabel == "" {
		cfg.ReliableLabel = DefaultReliableLabel
	}
	if cfg.LANFirstTimeout == 0 {
		cfg.LANFirstTimeout = DefaultLANFirstTimeout
	}
	if cfg.WaitReadyTimeout == 0 {
		cfg.WaitReadyTimeout = DefaultWaitReadyTimeout
	}
	if cfg.FastBufferedAmountLowThreshold == 0 {
		cfg.FastBufferedAmountLowThreshold = DefaultFastBufferedAmountLowThreshold
	}
	if cfg.ReliableBufferedAmountLowThreshold == 0 {
		cfg.ReliableBufferedAmountLowThreshold = DefaultReliableBufferedAmountLowThreshold
	}
	if cfg.FastInit.Ordered == nil {
		ordered := false
		cfg.FastInit.Ordered = &ordered
	}
	if cfg.FastInit.MaxRetransmits == nil {
		zero := uint16(0)
		cfg.FastInit.MaxRetransmits = &zero
	}
	if cfg.ReliableInit.Ordered == nil {
		ordered := true
		cfg.ReliableInit.Ordered = &ordered
	}
	return cfg
}
