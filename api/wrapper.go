package api

import (
	"context"
	"net/http"

	"github.com/filecoin-project/go-jsonrpc"

	"github.com/ipfs-force-community/sophon-connect/signer"
)

// a remote signer process runs its event client against the rpc client
var _ signer.ISignerServiceProvider = (*ConnectStruct)(nil)

// NewConnectClient dials the control api at a ws:// or http:// rpc endpoint.
func NewConnectClient(ctx context.Context, addr string, header http.Header) (*ConnectStruct, jsonrpc.ClientCloser, error) {
	var res ConnectStruct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, Namespace, []interface{}{&res.Internal}, header)
	if err != nil {
		return nil, nil, err
	}
	return &res, closer, nil
}
