// Package ice implements the LAN-first → STUN fallback ICE strategy:
// candidate classification, the shouldSend/shouldAccept trickle policies,
// and per-phase peer configuration (spec.md §4.3).
package ice

import (
	"strings"

	"github.com/kuuji/roomrtc/internal/rtc"
)

// CandidateType classifies a local or remote ICE candidate line.
type CandidateType string

const (
	CandidateHost    CandidateType = "host"
	CandidateSrflx   CandidateType = "srflx"
	CandidateRelay   CandidateType = "relay"
	CandidateUnknown CandidateType = "unknown"
)

// Phase is the ICE strategy phase: LAN (host-only, no ICE servers) or
// STUN (full gathering with the configured server list).
type Phase int

const (
	PhaseLAN Phase = iota
	PhaseSTUN
)

func (p Phase) String() string {
	if p == PhaseLAN {
		return "LAN"
	}
	return "STUN"
}

// DefaultSTUNServer is used when STUN phase is reached with no configured
// server list, matching spec.md §4.3.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// GetCandidateType parses the `typ <token>` field out of a raw ICE
// candidate attribute line (e.g. "candidate:1 1 UDP 2122260223
// 192.0.2.1 54321 typ host") and classifies it.
func GetCandidateType(candidateLine string) CandidateType {
	fields := strings.Fields(candidateLine)
	for i, f := range fields {
		if f == "typ" && i+1 < len(fields) {
			switch fields[i+1] {
			case "host":
				return CandidateHost
			case "srflx":
				return CandidateSrflx
			case "relay":
				return CandidateRelay
			default:
				return CandidateUnknown
			}
		}
	}
	return CandidateUnknown
}

// ShouldSend decides whether a local candidate should be published to the
// signaling store given the current phase: in LAN phase only host
// candidates are sent; in STUN phase everything is sent.
func ShouldSend(phase Phase, candidateLine string) bool {
	if phase != PhaseLAN {
		return true
	}
	return GetCandidateType(candidateLine) == CandidateHost
}

// ShouldAccept decides whether a remote candidate should be applied to
// the peer given the current phase. Same policy as ShouldSend.
func ShouldAccept(phase Phase, candidateLine string) bool {
	if phase != PhaseLAN {
		return true
	}
	return GetCandidateType(candidateLine) == CandidateHost
}

// Servers describes the STUN/TURN configuration available to the STUN
// phase. An empty Servers.STUN falls back to DefaultSTUNServer.
type Servers struct {
	STUN []string
	TURN []rtc.ICEServer
}

// Configuration returns the rtc.Configuration to use for a freshly built
// peer in the given phase: LAN gets an empty ICE server list (forcing
// host-only candidate gathering); STUN gets the configured STUN/TURN
// servers, or the default public STUN server if none were configured.
func Configuration(phase Phase, servers Servers, forceRelay bool) rtc.Configuration {
	if phase == PhaseLAN {
		return rtc.Configuration{}
	}

	var iceServers []rtc.ICEServer
	if len(servers.STUN) > 0 {
		iceServers = append(iceServers, rtc.ICEServer{URLs: append([]string(nil), servers.STUN...)})
	} else {
		iceServers = append(iceServers, rtc.ICEServer{URLs: []string{DefaultSTUNServer}})
	}
	iceServers = append(iceServers, servers.TURN...)

	return rtc.Configuration{ICEServers: iceServers, ForceRelay: forceRelay}
}
