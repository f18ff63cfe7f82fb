// Package signal defines the data model and Store abstraction the session
// engine consumes: one room document carrying an offer/answer slot pair,
// and two append-only ICE candidate sub-collections (caller, callee).
// The Store itself is an external collaborator — the engine only depends
// on the interface in store.go; internal/memstore and internal/storews
// are two interchangeable implementations.
package signal

// Role identifies which side of the room a participant plays.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// SDPType distinguishes an offer from an answer on the wire.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// OfferDescription is the room's current offer slot.
type OfferDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
	// Epoch is the signaling epoch this offer was published under.
	Epoch int64 `json:"epoch"`
	// PCGeneration is the publisher's peer-connection generation counter.
	PCGeneration int64 `json:"pcGeneration"`
}

// AnswerDescription is the room's current answer slot.
type AnswerDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
	Epoch int64  `json:"epoch"`
	PCGeneration int64 `json:"pcGeneration"`
	// ForPCGeneration must match the caller's current generation for the
	// answer to be consumed; zero means "not set".
	ForPCGeneration int64 `json:"forPcGeneration,omitempty"`
}

// Candidate is one ICE candidate sub-collection entry.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
	Epoch            int64   `json:"epoch"`
	PCGeneration     int64   `json:"pcGeneration"`
}

// Key returns the dedup identity for a candidate: (epoch, candidate,
// sdpMid, sdpMLineIndex), per spec.md §4.2.
func (c Candidate) Key() CandidateKey {
	var mid string
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	var mLine uint16
	if c.SDPMLineIndex != nil {
		mLine = *c.SDPMLineIndex
	}
	return CandidateKey{Epoch: c.Epoch, Candidate: c.Candidate, SDPMid: mid, SDPMLineIndex: mLine}
}

// CandidateKey is the comparable dedup identity of a Candidate.
type CandidateKey struct {
	Epoch         int64
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// Room is the room document the store owns and the engine observes.
type Room struct {
	CallerUID *string
	CalleeUID *string
	Offer     *OfferDescription
	Answer    *AnswerDescription
	// Epoch is monotonically non-decreasing; the store advances it on
	// re-attach when there is evidence of prior activity (offer/answer
	// present, or epoch already > 0), clearing Offer and Answer when it
	// does.
	Epoch int64
}

// HadPriorActivity reports whether a Room shows evidence that a previous
// session touched it, per spec.md §6: offer/answer present, or epoch > 0.
func (r Room) HadPriorActivity() bool {
	return r.Offer != nil || r.Answer != nil || r.Epoch > 0
}
