package adapter

import (
	"context"

	"github.com/ipfs-force-community/sophon-connect/requestqueue"
	"github.com/ipfs-force-community/sophon-connect/types"
)

// ApproveParams carries what the user chose for a proposal. v1 adapters read Account and ChainID,
// v2 adapters read Account and Namespaces.
type ApproveParams struct {
	Account    string
	ChainID    uint64
	Namespaces types.Namespaces
}

// Adapter is one WalletConnect wire protocol. Every error it returns is already a *types.Error.
type Adapter interface {
	Version() types.Version
	// Listen registers the sink adapter events go to. It never blocks.
	Listen(sink EventSink)

	// Pair starts a handshake. The proposal itself arrives later as a ProposalEvent.
	Pair(ctx context.Context, uri *types.PairingURI) error
	ApproveSession(ctx context.Context, pending *types.PendingSession, params ApproveParams) (*types.Session, error)
	RejectSession(ctx context.Context, pending *types.PendingSession, reason string) error

	Respond(ctx context.Context, req *types.WalletRequest, outcome types.Outcome) error
	// UpdateSession tells the dapp about a changed account or chain. No-op where the protocol has no such notion.
	UpdateSession(ctx context.Context, session *types.Session) error
	Disconnect(ctx context.Context, session *types.Session, reason string) error

	// Restore resubscribes persisted sessions after a restart.
	Restore(ctx context.Context, sessions []*types.Session) error
	BusyPolicy() requestqueue.BusyPolicy
	Close() error
}

type EventSink interface {
	Publish(event Event)
}

type EventSinkFunc func(event Event)

func (f EventSinkFunc) Publish(event Event) {
	f(event)
}

type Event interface {
	Kind() string
}

// ProposalEvent carries a new pending session and the pairing topic it arrived on.
type ProposalEvent struct {
	Pending      *types.PendingSession
	PairingTopic string
}

func (*ProposalEvent) Kind() string { return "proposal" }

// RequestEvent carries a request whose method is in the allow-list.
type RequestEvent struct {
	Request *types.WalletRequest
}

func (*RequestEvent) Kind() string { return "request" }

// UnsupportedRequestEvent reports a request already answered with an unsupported-method error.
type UnsupportedRequestEvent struct {
	Version   types.Version
	SessionID string
	Method    string
}

func (*UnsupportedRequestEvent) Kind() string { return "unsupported_request" }

// SessionDeletedEvent means the dapp ended the session.
type SessionDeletedEvent struct {
	Version   types.Version
	SessionID string
	Reason    string
}

func (*SessionDeletedEvent) Kind() string { return "session_deleted" }

type ProposalExpiredEvent struct {
	Version   types.Version
	PendingID string
}

func (*ProposalExpiredEvent) Kind() string { return "proposal_expired" }

// PairingFailedEvent ends a pairing attempt that failed after Pair returned.
type PairingFailedEvent struct {
	Version types.Version
	Topic   string
	Err     error
}

func (*PairingFailedEvent) Kind() string { return "pairing_failed" }
