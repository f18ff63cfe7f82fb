// Package wire defines the JSON wire envelope used by the WebSocket-backed
// signal.Store implementation (internal/storews). It plays the same role
// the teacher's pkg/protocol package plays for the bamgate hub: a small,
// dependency-free message set with a "type" discriminator, shared between
// the client (storews.Store) and the hub (storews.Hub).
package wire

import (
	"encoding/json"
	"fmt"
)

// Message is implemented by every wire envelope.
type Message interface {
	MessageType() string
}

// JoinMessage announces a participant to the hub for a given room/role.
type JoinMessage struct {
	RoomID string `json:"roomId"`
	Role   string `json:"role"`
}

func (JoinMessage) MessageType() string { return "join" }

// OfferMessage carries the room's offer slot.
type OfferMessage struct {
	RoomID       string `json:"roomId"`
	SDP          string `json:"sdp"`
	Epoch        int64  `json:"epoch"`
	PCGeneration int64  `json:"pcGeneration"`
}

func (OfferMessage) MessageType() string { return "offer" }

// AnswerMessage carries the room's answer slot.
type AnswerMessage struct {
	RoomID          string `json:"roomId"`
	SDP             string `json:"sdp"`
	Epoch           int64  `json:"epoch"`
	PCGeneration    int64  `json:"pcGeneration"`
	ForPCGeneration int64  `json:"forPcGeneration,omitempty"`
}

func (AnswerMessage) MessageType() string { return "answer" }

// ICECandidateMessage carries one trickled ICE candidate for one side's
// sub-collection.
type ICECandidateMessage struct {
	RoomID           string  `json:"roomId"`
	FromRole         string  `json:"fromRole"`
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
	Epoch            int64   `json:"epoch"`
	PCGeneration     int64   `json:"pcGeneration"`
}

func (ICECandidateMessage) MessageType() string { return "ice-candidate" }

// EpochMessage notifies a participant that the hub bumped the room's
// epoch (on reattach with prior activity) and cleared the offer/answer.
type EpochMessage struct {
	RoomID string `json:"roomId"`
	Epoch  int64  `json:"epoch"`
}

func (EpochMessage) MessageType() string { return "epoch" }

var messageTypes = map[string]func() Message{
	"join":          func() Message { return &JoinMessage{} },
	"offer":         func() Message { return &OfferMessage{} },
	"answer":        func() Message { return &AnswerMessage{} },
	"ice-candidate": func() Message { return &ICECandidateMessage{} },
	"epoch":         func() Message { return &EpochMessage{} },
}

// Marshal serializes msg to JSON, injecting the "type" discriminator.
func Marshal(msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message payload: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding message payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshaling message type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// Unmarshal deserializes data using the "type" discriminator to select
// the concrete Message type.
func Unmarshal(data []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	factory, ok := messageTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}

	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q message: %w", env.Type, err)
	}

	return msg, nil
}
