package api

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ipfs-force-community/sophon-connect/signer"
	"github.com/ipfs-force-community/sophon-connect/types"
	"github.com/ipfs-force-community/sophon-connect/version"
	"github.com/ipfs-force-community/sophon-connect/walletconnect"
)

var ErrRemoteSignerDisabled = errors.New("remote signer is not enabled on this node")

var _ IConnectAPI = (*ConnectAPIImpl)(nil)

type ConnectAPIImpl struct {
	*walletconnect.Manager
	// remote is nil when the node signs with local keys
	remote *signer.RemoteSigner
}

func NewConnectAPIImpl(manager *walletconnect.Manager, remote *signer.RemoteSigner) *ConnectAPIImpl {
	return &ConnectAPIImpl{
		Manager: manager,
		remote:  remote,
	}
}

func (c *ConnectAPIImpl) SupportedChains(context.Context) ([]uint64, error) {
	return c.Manager.SupportedChains(), nil
}

func (c *ConnectAPIImpl) Version(context.Context) (string, error) {
	return version.UserVersion, nil
}

func (c *ConnectAPIImpl) ListenSignerEvent(ctx context.Context, policy *types.SignerRegisterPolicy) (<-chan *types.RequestEvent, error) {
	if c.remote == nil {
		return nil, ErrRemoteSignerDisabled
	}
	return c.remote.ListenSignerEvent(ctx, policy)
}

func (c *ConnectAPIImpl) ResponseSignerEvent(ctx context.Context, resp *types.ResponseEvent) error {
	if c.remote == nil {
		return ErrRemoteSignerDisabled
	}
	return c.remote.ResponseSignerEvent(ctx, resp)
}

func (c *ConnectAPIImpl) ListSigners(ctx context.Context) ([]*types.SignerDetail, error) {
	if c.remote == nil {
		return []*types.SignerDetail{}, nil
	}
	return c.remote.ListSigners(ctx)
}
