package wcv2

import (
	"strconv"
	"time"

	"go.uber.org/atomic"

	"github.com/ipfs-force-community/sophon-connect/types"
)

const (
	methodSessionPropose = "wc_sessionPropose"
	methodSessionSettle  = "wc_sessionSettle"
	methodSessionUpdate  = "wc_sessionUpdate"
	methodSessionExtend  = "wc_sessionExtend"
	methodSessionRequest = "wc_sessionRequest"
	methodSessionEvent   = "wc_sessionEvent"
	methodSessionDelete  = "wc_sessionDelete"
	methodSessionPing    = "wc_sessionPing"
	methodPairingDelete  = "wc_pairingDelete"
	methodPairingPing    = "wc_pairingPing"

	relaySubscribe    = "irn_subscribe"
	relayUnsubscribe  = "irn_unsubscribe"
	relayPublish      = "irn_publish"
	relaySubscription = "irn_subscription"

	codeUserRejected       = 5000
	codeUnsupportedChains  = 5100
	codeUnsupportedMethods = 5101
	codeUserDisconnected   = 6000
	codeInvalidParams      = -32602
	codeInternal           = -32603

	sessionTTL  = 7 * 24 * time.Hour
	proposalTTL = 5 * time.Minute
)

// publishOpts is the relay tag and ttl of one direction of a method.
type publishOpts struct {
	Tag int
	TTL time.Duration
}

type methodOpts struct {
	Req publishOpts
	Res publishOpts
}

var methods = map[string]methodOpts{
	methodPairingDelete:  {Req: publishOpts{1000, 24 * time.Hour}, Res: publishOpts{1001, 24 * time.Hour}},
	methodPairingPing:    {Req: publishOpts{1002, 30 * time.Second}, Res: publishOpts{1003, 30 * time.Second}},
	methodSessionPropose: {Req: publishOpts{1100, 5 * time.Minute}, Res: publishOpts{1101, 5 * time.Minute}},
	methodSessionSettle:  {Req: publishOpts{1102, 5 * time.Minute}, Res: publishOpts{1103, 5 * time.Minute}},
	methodSessionUpdate:  {Req: publishOpts{1104, 24 * time.Hour}, Res: publishOpts{1105, 24 * time.Hour}},
	methodSessionExtend:  {Req: publishOpts{1106, 24 * time.Hour}, Res: publishOpts{1107, 24 * time.Hour}},
	methodSessionRequest: {Req: publishOpts{1108, 5 * time.Minute}, Res: publishOpts{1109, 5 * time.Minute}},
	methodSessionEvent:   {Req: publishOpts{1110, 5 * time.Minute}, Res: publishOpts{1111, 5 * time.Minute}},
	methodSessionDelete:  {Req: publishOpts{1112, 24 * time.Hour}, Res: publishOpts{1113, 24 * time.Hour}},
	methodSessionPing:    {Req: publishOpts{1114, 30 * time.Second}, Res: publishOpts{1115, 30 * time.Second}},
}

// unknownOpts answers methods the wallet does not know about.
var unknownOpts = publishOpts{0, 5 * time.Minute}

func responseOpts(method string) publishOpts {
	if opts, ok := methods[method]; ok {
		return opts.Res
	}
	return unknownOpts
}

type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
}

func (m Metadata) dappInfo() types.DappInfo {
	info := types.DappInfo{Name: m.Name, URL: m.URL}
	if len(m.Icons) > 0 {
		info.Icon = m.Icons[0]
	}
	return info
}

type relayProtocol struct {
	Protocol string `json:"protocol"`
	Data     string `json:"data,omitempty"`
}

type participant struct {
	PublicKey string   `json:"publicKey"`
	Metadata  Metadata `json:"metadata"`
}

type proposeParams struct {
	Relays             []relayProtocol  `json:"relays"`
	Proposer           participant      `json:"proposer"`
	RequiredNamespaces types.Namespaces `json:"requiredNamespaces"`
	OptionalNamespaces types.Namespaces `json:"optionalNamespaces,omitempty"`
	ExpiryTimestamp    int64            `json:"expiryTimestamp,omitempty"`
}

type proposeResult struct {
	Relay              relayProtocol `json:"relay"`
	ResponderPublicKey string        `json:"responderPublicKey"`
}

type settleParams struct {
	Relay              relayProtocol    `json:"relay"`
	Namespaces         types.Namespaces `json:"namespaces"`
	RequiredNamespaces types.Namespaces `json:"requiredNamespaces"`
	OptionalNamespaces types.Namespaces `json:"optionalNamespaces,omitempty"`
	Controller         participant      `json:"controller"`
	Expiry             int64            `json:"expiry"`
}

type deleteParams struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcRequest struct {
	ID      int64       `json:"id"`
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID      int64       `json:"id"`
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

var idSeq = atomic.NewInt64(0)

// payloadID is a millisecond timestamp followed by three digits of entropy, like the ids of v2 peers.
func payloadID() int64 {
	return time.Now().UnixMilli()*1000 + idSeq.Inc()%1000
}

// formatID and parseID convert between v2 numeric ids and the string ids the core works with.
func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseID(id string) (int64, error) {
	return strconv.ParseInt(id, 10, 64)
}

func rejectError(reason *types.RejectReason) *rpcError {
	if reason == nil {
		return &rpcError{Code: codeUserRejected, Message: "User rejected."}
	}
	switch reason.Kind {
	case types.RejectUnsupportedMethod:
		return &rpcError{Code: codeUnsupportedMethods, Message: "Unsupported methods."}
	case types.RejectSignFailed:
		return &rpcError{Code: codeInternal, Message: reason.Message}
	case types.RejectBusy:
		return &rpcError{Code: codeUserRejected, Message: "Wallet is busy with another request."}
	}
	return &rpcError{Code: codeUserRejected, Message: "User rejected."}
}
