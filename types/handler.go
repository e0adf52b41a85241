package types

import (
	"context"
	"time"
)

// ISigner is the signing collaborator. It never builds calldata, it signs or sends what the dapp prepared.
type ISigner interface {
	Accounts(ctx context.Context) ([]string, error)
	SignMessage(ctx context.Context, req *SignRequest) (string, error)
	SendTransaction(ctx context.Context, req *SendTxRequest) (string, error)
}

type LifecycleKind string

const (
	EventProposalReceived   LifecycleKind = "proposal_received"
	EventSessionConnected   LifecycleKind = "session_connected"
	EventSessionRejected    LifecycleKind = "session_rejected"
	EventSessionDisconnect  LifecycleKind = "session_disconnected"
	EventRequestReceived    LifecycleKind = "request_received"
	EventRequestCompleted   LifecycleKind = "request_completed"
	EventPairingFailed      LifecycleKind = "pairing_failed"
	EventUnsupportedRequest LifecycleKind = "unsupported_request"
)

// LifecycleEvent is emitted as data for analytics, nothing waits on it.
type LifecycleEvent struct {
	Kind      LifecycleKind
	Version   Version
	SessionID string
	Account   string
	Dapp      string
	Method    RequestType
	Outcome   string
	Duration  time.Duration
	Time      time.Time
}

type IAnalytics interface {
	Track(ctx context.Context, event *LifecycleEvent)
}

type UIEventKind string

const (
	UIPendingSession  UIEventKind = "pending_session"
	UIPendingCleared  UIEventKind = "pending_cleared"
	UIRequest         UIEventKind = "request"
	UIRequestCleared  UIEventKind = "request_cleared"
	UISessionsChanged UIEventKind = "sessions_changed"
	UIScanState       UIEventKind = "scan_state"
	UIError           UIEventKind = "error"
	UIAccountSwitched UIEventKind = "account_switched"
)

// ScanState gates re-entrancy of the scanner UI.
type ScanState struct {
	Frozen    bool
	ScanError bool
	Attempt   uint64
	LastError string
}

// UIEvent is pushed to every UI listening on the control api.
type UIEvent struct {
	Kind      UIEventKind
	Pending   *PendingSession `json:",omitempty"`
	Request   *WalletRequest  `json:",omitempty"`
	Account   string          `json:",omitempty"`
	Scan      *ScanState      `json:",omitempty"`
	Error     string          `json:",omitempty"`
	Retryable bool            `json:",omitempty"`
	Time      time.Time
}
