package wcv1

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/atomic"

	"github.com/ipfs-force-community/sophon-connect/types"
)

const (
	methodSessionRequest = "wc_sessionRequest"
	methodSessionUpdate  = "wc_sessionUpdate"

	codeSessionRejected   = -32000
	codeWalletBusy        = -32000
	codeInvalidParams     = -32602
	codeMethodNotFound    = -32601
	codeInternal          = -32603
	codeUserRejected      = 4001
	msgSessionRejected    = "Session Rejected"
	msgMethodNotSupported = "Method not supported"
)

// bridgeMessage is a frame exchanged with the bridge server.
type bridgeMessage struct {
	Topic   string `json:"topic"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Silent  bool   `json:"silent"`
}

// ClientMeta is the peer metadata of either side.
type ClientMeta struct {
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
	Name        string   `json:"name"`
}

func (m ClientMeta) dappInfo(chainID uint64) types.DappInfo {
	info := types.DappInfo{Name: m.Name, URL: m.URL, ChainID: chainID}
	if len(m.Icons) > 0 {
		info.Icon = m.Icons[0]
	}
	return info
}

type sessionRequestParams struct {
	PeerID   string          `json:"peerId"`
	PeerMeta ClientMeta      `json:"peerMeta"`
	ChainID  json.RawMessage `json:"chainId"`
}

// chainID accepts numbers, numeric strings and null.
func (p *sessionRequestParams) chainID() uint64 {
	if len(p.ChainID) == 0 {
		return 0
	}
	v := gjson.ParseBytes(p.ChainID)
	switch v.Type {
	case gjson.Number:
		return v.Uint()
	case gjson.String:
		id, _ := strconv.ParseUint(v.String(), 0, 64)
		return id
	}
	return 0
}

type sessionParams struct {
	Approved  bool        `json:"approved"`
	ChainID   *uint64     `json:"chainId"`
	NetworkID *uint64     `json:"networkId"`
	Accounts  []string    `json:"accounts"`
	PeerID    string      `json:"peerId,omitempty"`
	PeerMeta  *ClientMeta `json:"peerMeta,omitempty"`
}

type rpcRequest struct {
	ID      int64         `json:"id"`
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID      json.RawMessage `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

var idSeq = atomic.NewInt64(0)

// payloadID mimics the client generated ids of v1 peers.
func payloadID() int64 {
	return time.Now().UnixNano()/1000 + idSeq.Inc()
}

// rejectError maps a rejection to the json-rpc error v1 dapps expect.
func rejectError(reason *types.RejectReason) *rpcError {
	if reason == nil {
		return &rpcError{Code: codeUserRejected, Message: "User rejected the request."}
	}
	switch reason.Kind {
	case types.RejectUnsupportedMethod:
		return &rpcError{Code: codeMethodNotFound, Message: msgMethodNotSupported}
	case types.RejectBusy:
		return &rpcError{Code: codeWalletBusy, Message: "Wallet is busy with another request"}
	case types.RejectSignFailed:
		return &rpcError{Code: codeInternal, Message: reason.Message}
	}
	return &rpcError{Code: codeUserRejected, Message: "User rejected the request."}
}
