package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Version identifies which WalletConnect wire protocol a session speaks.
type Version string

const (
	V1 Version = "v1"
	V2 Version = "v2"
)

func (v Version) String() string {
	return string(v)
}

// Mainnet is the fallback chain for v1 proposals asking for a chain the wallet does not support.
const Mainnet uint64 = 1

// DappInfo is the peer metadata a dapp announces while pairing.
type DappInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Icon string `json:"icon"`
	// ChainID only meaningful for v1, where a session is bound to a single chain
	ChainID uint64 `json:"chainId,omitempty"`
}

// Namespace is a v2 per-namespace grant of chains, methods, events and accounts.
type Namespace struct {
	Chains   []string `json:"chains,omitempty"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
	Accounts []string `json:"accounts,omitempty"`
}

type Namespaces map[string]Namespace

// TransportState is the adapter owned wire context of a session, persisted so the session can be
// resumed after a restart. The core never interprets it.
type TransportState struct {
	Topic         string `json:"topic"`
	SymKey        string `json:"symKey"`
	PeerID        string `json:"peerId,omitempty"`
	PeerPublicKey string `json:"peerPublicKey,omitempty"`
	SelfID        string `json:"selfId,omitempty"`
	BridgeURL     string `json:"bridgeUrl,omitempty"`
	RelayURL      string `json:"relayUrl,omitempty"`
	Expiry        int64  `json:"expiry,omitempty"`
}

// Session is a confirmed connection between one wallet account and one dapp.
type Session struct {
	ID         string          `json:"id"`
	Version    Version         `json:"version"`
	Account    string          `json:"account"`
	Dapp       DappInfo        `json:"dapp"`
	Chains     []uint64        `json:"chains"`
	Namespaces Namespaces      `json:"namespaces,omitempty"`
	Transport  *TransportState `json:"transport,omitempty"`
	CreateTime time.Time       `json:"createTime"`
}

var (
	ErrEmptySessionID      = errors.New("session: empty id")
	ErrEmptySessionAccount = errors.New("session: empty account")
	ErrInvalidVersion      = errors.New("session: invalid version")
	ErrV1MultiChain        = errors.New("session: v1 session must have exactly one chain")
)

func (s *Session) Validate() error {
	if len(s.ID) == 0 {
		return ErrEmptySessionID
	}
	if len(s.Account) == 0 {
		return ErrEmptySessionAccount
	}
	switch s.Version {
	case V1:
		if len(s.Chains) != 1 {
			return ErrV1MultiChain
		}
	case V2:
	default:
		return ErrInvalidVersion
	}
	return nil
}

func (s *Session) Clone() *Session {
	cp := *s
	cp.Chains = append([]uint64(nil), s.Chains...)
	if s.Namespaces != nil {
		cp.Namespaces = make(Namespaces, len(s.Namespaces))
		for k, ns := range s.Namespaces {
			cp.Namespaces[k] = ns.clone()
		}
	}
	if s.Transport != nil {
		tp := *s.Transport
		cp.Transport = &tp
	}
	return &cp
}

func (ns Namespace) clone() Namespace {
	return Namespace{
		Chains:   append([]string(nil), ns.Chains...),
		Methods:  append([]string(nil), ns.Methods...),
		Events:   append([]string(nil), ns.Events...),
		Accounts: append([]string(nil), ns.Accounts...),
	}
}

type PendingState string

const (
	PendingReceived  PendingState = "received"
	PendingApproving PendingState = "approving"
	PendingApproved  PendingState = "approved"
	PendingRejected  PendingState = "rejected"
	PendingExpired   PendingState = "expired"
)

func (s PendingState) Terminal() bool {
	return s == PendingApproved || s == PendingRejected || s == PendingExpired
}

// PendingSession is a connection proposal waiting for the user.
type PendingSession struct {
	ID      string   `json:"id"`
	Version Version  `json:"version"`
	Dapp    DappInfo `json:"dapp"`

	// v1
	ChainID          uint64 `json:"chainId,omitempty"`
	RequestedChainID uint64 `json:"requestedChainId,omitempty"`
	ChainSubstituted bool   `json:"chainSubstituted,omitempty"`

	// v2
	Chains             []uint64   `json:"chains,omitempty"`
	RequiredNamespaces Namespaces `json:"requiredNamespaces,omitempty"`
	OptionalNamespaces Namespaces `json:"optionalNamespaces,omitempty"`

	State      PendingState `json:"state"`
	Expiry     time.Time    `json:"expiry,omitempty"`
	CreateTime time.Time    `json:"createTime"`
}

// ProposedChains returns every chain the dapp asked for, v1 proposals carry a single chain.
func (p *PendingSession) ProposedChains() []uint64 {
	if len(p.Chains) > 0 {
		return p.Chains
	}
	if p.ChainID != 0 {
		return []uint64{p.ChainID}
	}
	return nil
}

func (p *PendingSession) Clone() *PendingSession {
	cp := *p
	cp.Chains = append([]uint64(nil), p.Chains...)
	return &cp
}

// SignPayload is the message variant of a wallet request.
type SignPayload struct {
	// Message is the human readable form, RawMessage what the dapp actually sent
	Message    string `json:"message"`
	RawMessage string `json:"rawMessage"`
}

// TxPayload is the transaction variant of a wallet request, fields are kept in the dapp's hex encoding.
type TxPayload struct {
	From                 string `json:"from"`
	To                   string `json:"to,omitempty"`
	Value                string `json:"value,omitempty"`
	Data                 string `json:"data,omitempty"`
	Gas                  string `json:"gas,omitempty"`
	GasPrice             string `json:"gasPrice,omitempty"`
	MaxFeePerGas         string `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas,omitempty"`
	Nonce                string `json:"nonce,omitempty"`
}

// Permit is the enrichment parsed out of an EIP-2612 style typed-data request.
type Permit struct {
	Token    string `json:"token"`
	Spender  string `json:"spender"`
	Owner    string `json:"owner"`
	Value    string `json:"value"`
	Nonce    string `json:"nonce"`
	Deadline string `json:"deadline"`
	ChainID  uint64 `json:"chainId"`
}

// WalletRequest is a signing or transaction request surfaced to the user.
type WalletRequest struct {
	InternalID  string       `json:"internalId"`
	SessionID   string       `json:"sessionId"`
	Version     Version      `json:"version"`
	Account     string       `json:"account"`
	ChainID     uint64       `json:"chainId"`
	Dapp        DappInfo     `json:"dapp"`
	Type        RequestType  `json:"type"`
	Message     *SignPayload `json:"message,omitempty"`
	Transaction *TxPayload   `json:"transaction,omitempty"`
	Permit      *Permit      `json:"permit,omitempty"`
	CreateTime  time.Time    `json:"createTime"`
}

func (r *WalletRequest) IsTransaction() bool {
	return r.Transaction != nil
}

func (r *WalletRequest) Validate() error {
	if len(r.InternalID) == 0 {
		return errors.New("wallet request: empty internal id")
	}
	if !r.Type.Valid() {
		return NewError(ErrUnsupportedMethod, "validate request", fmt.Errorf("method %s", r.Type))
	}
	if (r.Message == nil) == (r.Transaction == nil) {
		return errors.Errorf("wallet request %s: exactly one of message or transaction must be set", r.InternalID)
	}
	if r.Type.IsTransaction() != r.IsTransaction() {
		return errors.Errorf("wallet request %s: payload does not match method %s", r.InternalID, r.Type)
	}
	return nil
}

type RejectKind string

const (
	RejectUserRejected      RejectKind = "user_rejected"
	RejectUnsupportedMethod RejectKind = "unsupported_method"
	RejectBusy              RejectKind = "busy"
	RejectTimeout           RejectKind = "timeout"
	RejectSessionClosed     RejectKind = "session_closed"
	RejectSignFailed        RejectKind = "sign_failed"
)

type RejectReason struct {
	Kind    RejectKind `json:"kind"`
	Message string     `json:"message"`
}

// Outcome is the terminal result of a wallet request.
type Outcome struct {
	Approved bool          `json:"approved"`
	Result   string        `json:"result,omitempty"`
	Reason   *RejectReason `json:"reason,omitempty"`
}

func Approved(result string) Outcome {
	return Outcome{Approved: true, Result: result}
}

func Rejected(kind RejectKind, msg string) Outcome {
	return Outcome{Reason: &RejectReason{Kind: kind, Message: msg}}
}

func (o Outcome) String() string {
	if o.Approved {
		return "approved"
	}
	if o.Reason == nil {
		return "rejected"
	}
	return "rejected(" + string(o.Reason.Kind) + ")"
}

// CAIP2 formats an eip155 chain reference.
func CAIP2(chainID uint64) string {
	return fmt.Sprintf("eip155:%d", chainID)
}

// CAIP10 formats an eip155 account reference.
func CAIP10(chainID uint64, account string) string {
	return fmt.Sprintf("eip155:%d:%s", chainID, account)
}

// ParseCAIP2 parses "eip155:<id>".
func ParseCAIP2(chain string) (uint64, error) {
	parts := strings.Split(chain, ":")
	if len(parts) != 2 || parts[0] != "eip155" {
		return 0, errors.Errorf("unsupported chain reference %q", chain)
	}
	var id uint64
	if _, err := fmt.Sscanf(parts[1], "%d", &id); err != nil {
		return 0, errors.Wrapf(err, "parse chain reference %q", chain)
	}
	return id, nil
}
