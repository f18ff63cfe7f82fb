package signal

import "context"

// Unsubscribe releases a subscription registered via one of the Store's
// Subscribe* methods. Calling it more than once is a no-op.
type Unsubscribe func()

// Store is the signaling backend contract: room lifecycle, one slot each
// for the current offer and answer, and two append-only ICE candidate
// streams. All methods may fail with a plain error; the engine classifies
// it into its error taxonomy (a transient backend failure as
// DB_UNAVAILABLE).
//
// Guarantees implementations must provide (spec.md §4.1):
//   - Subscriptions deliver the current value (if any) soon after
//     subscription.
//   - Updates made by the local participant are either filtered out of the
//     callback stream, or are indistinguishable from a remote echo and
//     must be tolerated by the engine's own dedup (the engine does not
//     assume the store deduplicates).
//   - Removing a sub-collection entry does not produce a spurious add
//     callback for a different entry.
//
// Implementations may redeliver prior events on resubscribe; the engine
// does not rely on exactly-once delivery.
type Store interface {
	CreateRoom(ctx context.Context) (roomID string, err error)
	JoinRoom(ctx context.Context, roomID string, role Role) error
	GetRoom(ctx context.Context) (*Room, error)
	EndRoom(ctx context.Context) error

	SetOffer(ctx context.Context, desc OfferDescription) error
	ClearOffer(ctx context.Context) error
	SetAnswer(ctx context.Context, desc AnswerDescription) error
	ClearAnswer(ctx context.Context) error

	AddCallerICECandidate(ctx context.Context, c Candidate) error
	AddCalleeICECandidate(ctx context.Context, c Candidate) error
	ClearCallerCandidates(ctx context.Context) error
	ClearCalleeCandidates(ctx context.Context) error

	SubscribeOnOffer(cb func(OfferDescription)) Unsubscribe
	SubscribeOnAnswer(cb func(AnswerDescription)) Unsubscribe
	SubscribeOnCallerICECandidate(cb func(Candidate)) Unsubscribe
	SubscribeOnCalleeICECandidate(cb func(Candidate)) Unsubscribe
}
