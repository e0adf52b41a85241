package api

import (
	"context"

	"github.com/ipfs-force-community/sophon-connect/types"
)

const Namespace = "WalletConnect"

// IWalletConnect is what the UI drives.
type IWalletConnect interface {
	ListSessions(ctx context.Context, account string) ([]*types.Session, error)
	ListAllSessions(ctx context.Context) ([]*types.Session, error)
	ListPendingSessions(ctx context.Context) ([]*types.PendingSession, error)
	PendingSession(ctx context.Context) (*types.PendingSession, error)
	CurrentRequest(ctx context.Context) (*types.WalletRequest, error)
	ScanState(ctx context.Context) (types.ScanState, error)
	ActiveAccount(ctx context.Context) (string, error)
	SupportedChains(ctx context.Context) ([]uint64, error)
	ListenUIEvent(ctx context.Context) (<-chan *types.UIEvent, error)

	Pair(ctx context.Context, uri string) error
	DismissScanError(ctx context.Context) error
	ApprovePending(ctx context.Context, id, account string, chainID uint64) (*types.Session, error)
	RejectPending(ctx context.Context, id string) error
	DismissPending(ctx context.Context, id string) error
	ApproveRequest(ctx context.Context, id string) (string, error)
	RejectRequest(ctx context.Context, id string) error
	DismissRequest(ctx context.Context, id string) error
	Disconnect(ctx context.Context, account, id string) error
	SwitchChain(ctx context.Context, account, id string, chainID uint64) (*types.Session, error)

	RemoveAccount(ctx context.Context, account string) error
	SwitchAccount(ctx context.Context, account string) error
}

// ISignerEvent is the stream remote signers connect to.
type ISignerEvent interface {
	ListenSignerEvent(ctx context.Context, policy *types.SignerRegisterPolicy) (<-chan *types.RequestEvent, error)
	ResponseSignerEvent(ctx context.Context, resp *types.ResponseEvent) error
	ListSigners(ctx context.Context) ([]*types.SignerDetail, error)
}

type IConnectAPI interface {
	IWalletConnect
	ISignerEvent
	Version(ctx context.Context) (string, error)
}

var _ IConnectAPI = (*ConnectStruct)(nil)

// ConnectStruct is both the permission checked server handler and the rpc client.
type ConnectStruct struct {
	Internal struct {
		ListSessions        func(ctx context.Context, account string) ([]*types.Session, error)                   `perm:"read"`
		ListAllSessions     func(ctx context.Context) ([]*types.Session, error)                                   `perm:"read"`
		ListPendingSessions func(ctx context.Context) ([]*types.PendingSession, error)                            `perm:"read"`
		PendingSession      func(ctx context.Context) (*types.PendingSession, error)                              `perm:"read"`
		CurrentRequest      func(ctx context.Context) (*types.WalletRequest, error)                               `perm:"read"`
		ScanState           func(ctx context.Context) (types.ScanState, error)                                    `perm:"read"`
		ActiveAccount       func(ctx context.Context) (string, error)                                             `perm:"read"`
		SupportedChains     func(ctx context.Context) ([]uint64, error)                                           `perm:"read"`
		ListenUIEvent       func(ctx context.Context) (<-chan *types.UIEvent, error)                              `perm:"read"`
		Version             func(ctx context.Context) (string, error)                                             `perm:"read"`
		Pair                func(ctx context.Context, uri string) error                                           `perm:"write"`
		DismissScanError    func(ctx context.Context) error                                                       `perm:"write"`
		ApprovePending      func(ctx context.Context, id, account string, chainID uint64) (*types.Session, error) `perm:"write"`
		RejectPending       func(ctx context.Context, id string) error                                            `perm:"write"`
		DismissPending      func(ctx context.Context, id string) error                                            `perm:"write"`
		RejectRequest       func(ctx context.Context, id string) error                                            `perm:"write"`
		DismissRequest      func(ctx context.Context, id string) error                                            `perm:"write"`
		Disconnect          func(ctx context.Context, account, id string) error                                   `perm:"write"`
		SwitchChain         func(ctx context.Context, account, id string, chainID uint64) (*types.Session, error) `perm:"write"`

		ApproveRequest      func(ctx context.Context, id string) (string, error)                                              `perm:"sign"`
		ListenSignerEvent   func(ctx context.Context, policy *types.SignerRegisterPolicy) (<-chan *types.RequestEvent, error) `perm:"sign"`
		ResponseSignerEvent func(ctx context.Context, resp *types.ResponseEvent) error                                        `perm:"sign"`

		ListSigners   func(ctx context.Context) ([]*types.SignerDetail, error) `perm:"admin"`
		RemoveAccount func(ctx context.Context, account string) error          `perm:"admin"`
		SwitchAccount func(ctx context.Context, account string) error          `perm:"admin"`
	}
}

func (s *ConnectStruct) ListSessions(ctx context.Context, account string) ([]*types.Session, error) {
	return s.Internal.ListSessions(ctx, account)
}

func (s *ConnectStruct) ListAllSessions(ctx context.Context) ([]*types.Session, error) {
	return s.Internal.ListAllSessions(ctx)
}

func (s *ConnectStruct) ListPendingSessions(ctx context.Context) ([]*types.PendingSession, error) {
	return s.Internal.ListPendingSessions(ctx)
}

func (s *ConnectStruct) PendingSession(ctx context.Context) (*types.PendingSession, error) {
	return s.Internal.PendingSession(ctx)
}

func (s *ConnectStruct) CurrentRequest(ctx context.Context) (*types.WalletRequest, error) {
	return s.Internal.CurrentRequest(ctx)
}

func (s *ConnectStruct) ScanState(ctx context.Context) (types.ScanState, error) {
	return s.Internal.ScanState(ctx)
}

func (s *ConnectStruct) ActiveAccount(ctx context.Context) (string, error) {
	return s.Internal.ActiveAccount(ctx)
}

func (s *ConnectStruct) SupportedChains(ctx context.Context) ([]uint64, error) {
	return s.Internal.SupportedChains(ctx)
}

func (s *ConnectStruct) ListenUIEvent(ctx context.Context) (<-chan *types.UIEvent, error) {
	return s.Internal.ListenUIEvent(ctx)
}

func (s *ConnectStruct) Version(ctx context.Context) (string, error) {
	return s.Internal.Version(ctx)
}

func (s *ConnectStruct) Pair(ctx context.Context, uri string) error {
	return s.Internal.Pair(ctx, uri)
}

func (s *ConnectStruct) DismissScanError(ctx context.Context) error {
	return s.Internal.DismissScanError(ctx)
}

func (s *ConnectStruct) ApprovePending(ctx context.Context, id, account string, chainID uint64) (*types.Session, error) {
	return s.Internal.ApprovePending(ctx, id, account, chainID)
}

func (s *ConnectStruct) RejectPending(ctx context.Context, id string) error {
	return s.Internal.RejectPending(ctx, id)
}

func (s *ConnectStruct) DismissPending(ctx context.Context, id string) error {
	return s.Internal.DismissPending(ctx, id)
}

func (s *ConnectStruct) ApproveRequest(ctx context.Context, id string) (string, error) {
	return s.Internal.ApproveRequest(ctx, id)
}

func (s *ConnectStruct) RejectRequest(ctx context.Context, id string) error {
	return s.Internal.RejectRequest(ctx, id)
}

func (s *ConnectStruct) DismissRequest(ctx context.Context, id string) error {
	return s.Internal.DismissRequest(ctx, id)
}

func (s *ConnectStruct) Disconnect(ctx context.Context, account, id string) error {
	return s.Internal.Disconnect(ctx, account, id)
}

func (s *ConnectStruct) SwitchChain(ctx context.Context, account, id string, chainID uint64) (*types.Session, error) {
	return s.Internal.SwitchChain(ctx, account, id, chainID)
}

func (s *ConnectStruct) RemoveAccount(ctx context.Context, account string) error {
	return s.Internal.RemoveAccount(ctx, account)
}

func (s *ConnectStruct) SwitchAccount(ctx context.Context, account string) error {
	return s.Internal.SwitchAccount(ctx, account)
}

func (s *ConnectStruct) ListenSignerEvent(ctx context.Context, policy *types.SignerRegisterPolicy) (<-chan *types.RequestEvent, error) {
	return s.Internal.ListenSignerEvent(ctx, policy)
}

func (s *ConnectStruct) ResponseSignerEvent(ctx context.Context, resp *types.ResponseEvent) error {
	return s.Internal.ResponseSignerEvent(ctx, resp)
}

func (s *ConnectStruct) ListSigners(ctx context.Context) ([]*types.SignerDetail, error) {
	return s.Internal.ListSigners(ctx)
}
