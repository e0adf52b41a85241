package wcv1

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ipfs-force-community/sophon-connect/adapter"
	"github.com/ipfs-force-community/sophon-connect/requestqueue"
	"github.com/ipfs-force-community/sophon-connect/types"
)

type Config struct {
	WalletMeta ClientMeta
	BusyPolicy requestqueue.BusyPolicy
}

type pairing struct {
	topic  string
	key    []byte
	bridge *bridgeConn
	selfID string
}

type proposal struct {
	pairing *pairing
	rpcID   json.RawMessage
	peerID  string
	meta    ClientMeta
	chainID uint64
}

type session struct {
	id             string
	selfID         string
	handshakeTopic string
	key            []byte
	bridge         *bridgeConn
	account        string
	chainID        uint64
	dapp           types.DappInfo
}

type inflight struct {
	rpcID     json.RawMessage
	sessionID string
	peerID    string
	key       []byte
	bridge    *bridgeConn
}

var _ adapter.Adapter = (*Adapter)(nil)

// Adapter speaks WalletConnect v1 through bridge servers. The session id is the dapp's peer id.
type Adapter struct {
	cfg Config
	log *zap.SugaredLogger

	lk        sync.Mutex
	bridges   map[string]*bridgeConn
	pairings  map[string]*pairing
	proposals map[string]*proposal
	sessions  map[string]*session
	// selfTopics maps the wallet side topic to the pending or session id it serves
	selfTopics map[string]string
	inflight   map[string]*inflight
	sink       adapter.EventSink
}

func New(cfg Config, log *zap.SugaredLogger) *Adapter {
	if log == nil {
		log = logging.Logger("wcv1").With()
	}
	if !cfg.BusyPolicy.Valid() {
		cfg.BusyPolicy = requestqueue.BusyReject
	}
	return &Adapter{
		cfg:        cfg,
		log:        log,
		bridges:    make(map[string]*bridgeConn),
		pairings:   make(map[string]*pairing),
		proposals:  make(map[string]*proposal),
		sessions:   make(map[string]*session),
		selfTopics: make(map[string]string),
		inflight:   make(map[string]*inflight),
	}
}

func (a *Adapter) Version() types.Version { return types.V1 }

func (a *Adapter) BusyPolicy() requestqueue.BusyPolicy { return a.cfg.BusyPolicy }

func (a *Adapter) Listen(sink adapter.EventSink) {
	a.lk.Lock()
	defer a.lk.Unlock()
	a.sink = sink
}

func (a *Adapter) publish(event adapter.Event) {
	a.lk.Lock()
	sink := a.sink
	a.lk.Unlock()
	if sink == nil {
		a.log.Warnf("no listener, drop %s event", event.Kind())
		return
	}
	sink.Publish(event)
}

func (a *Adapter) bridge(ctx context.Context, url string) (*bridgeConn, error) {
	a.lk.Lock()
	for u, b := range a.bridges {
		if sameBridge(u, url) {
			a.lk.Unlock()
			return b, nil
		}
	}
	a.lk.Unlock()

	b, err := dialBridge(ctx, url, a.log, a.onMessage)
	if err != nil {
		return nil, types.Transport("dial bridge", err)
	}
	a.lk.Lock()
	defer a.lk.Unlock()
	if existing, ok := a.bridges[url]; ok {
		go b.Close() //nolint:errcheck
		return existing, nil
	}
	a.bridges[url] = b
	return b, nil
}

// Pair subscribes the handshake topic of uri and the fresh wallet topic. The dapp's wc_sessionRequest
// then arrives as a ProposalEvent.
func (a *Adapter) Pair(ctx context.Context, uri *types.PairingURI) error {
	if uri.Version != types.V1 {
		return types.NewError(types.ErrInvalidURI, "pair", fmt.Errorf("%s uri given to v1 adapter", uri.Version))
	}
	b, err := a.bridge(ctx, uri.Bridge)
	if err != nil {
		return err
	}
	p := &pairing{topic: uri.Topic, key: uri.Key, bridge: b, selfID: uuid.NewString()}

	a.lk.Lock()
	if _, ok := a.pairings[uri.Topic]; ok {
		a.lk.Unlock()
		a.log.Warnf("topic %s already paired, wait for its proposal", uri.Topic)
		return nil
	}
	a.pairings[uri.Topic] = p
	a.lk.Unlock()

	if err := b.Subscribe(uri.Topic); err != nil {
		a.dropPairing(p)
		return err
	}
	a.log.Infow("pairing", "topic", uri.Topic, "bridge", uri.Bridge)
	return nil
}

func (a *Adapter) dropPairing(p *pairing) {
	a.lk.Lock()
	delete(a.pairings, p.topic)
	if _, ok := a.selfTopics[p.selfID]; !ok {
		p.bridge.Unsubscribe(p.selfID)
	}
	a.lk.Unlock()
	p.bridge.Unsubscribe(p.topic)
}

func (a *Adapter) onMessage(b *bridgeConn, msg *bridgeMessage) {
	a.lk.Lock()
	p, isPairing := a.pairings[msg.Topic]
	var key []byte
	if isPairing {
		key = p.key
	} else if id, ok := a.selfTopics[msg.Topic]; ok {
		if s, ok := a.sessions[id]; ok {
			key = s.key
		} else if prop, ok := a.proposals[id]; ok {
			key = prop.pairing.key
		}
	}
	a.lk.Unlock()
	if key == nil {
		a.log.Debugf("drop message on unknown topic %s", msg.Topic)
		return
	}

	plain, err := open(msg.Payload, key)
	if err != nil {
		a.log.Warnf("drop message on %s: %v", msg.Topic, err)
		return
	}
	rpc := gjson.ParseBytes(plain)
	method := rpc.Get("method").String()
	if method == "" {
		a.log.Debugf("response on %s: %s", msg.Topic, rpc.Get("id").Raw)
		return
	}
	if isPairing {
		a.handleSessionRequest(p, rpc)
		return
	}
	a.handleSessionMessage(b, msg.Topic, rpc)
}

func (a *Adapter) handleSessionRequest(p *pairing, rpc gjson.Result) {
	if rpc.Get("method").String() != methodSessionRequest {
		a.log.Warnf("unexpected %s on handshake topic %s", rpc.Get("method").String(), p.topic)
		return
	}
	var params []sessionRequestParams
	if err := json.Unmarshal([]byte(rpc.Get("params").Raw), &params); err != nil || len(params) == 0 || params[0].PeerID == "" {
		a.log.Warnf("malformed %s on %s: %v", methodSessionRequest, p.topic, err)
		a.publish(&adapter.PairingFailedEvent{Version: types.V1, Topic: p.topic,
			Err: types.NewError(types.ErrInvalidURI, "session request", errors.New("malformed session request"))})
		return
	}
	req := params[0]
	chainID := req.chainID()
	if chainID == 0 {
		chainID = types.Mainnet
	}

	prop := &proposal{
		pairing: p,
		rpcID:   json.RawMessage(rpc.Get("id").Raw),
		peerID:  req.PeerID,
		meta:    req.PeerMeta,
		chainID: chainID,
	}
	a.lk.Lock()
	if _, ok := a.proposals[req.PeerID]; ok {
		a.lk.Unlock()
		a.log.Warnf("duplicate session request from %s", req.PeerID)
		return
	}
	a.proposals[req.PeerID] = prop
	a.selfTopics[p.selfID] = req.PeerID
	a.lk.Unlock()

	if err := p.bridge.Subscribe(p.selfID); err != nil {
		a.log.Warnf("subscribe wallet topic %s: %v", p.selfID, err)
	}
	a.publish(&adapter.ProposalEvent{Pending: &types.PendingSession{
		ID:         req.PeerID,
		Version:    types.V1,
		Dapp:       req.PeerMeta.dappInfo(chainID),
		ChainID:    chainID,
		CreateTime: time.Now(),
	}, PairingTopic: p.topic})
}

func (a *Adapter) handleSessionMessage(b *bridgeConn, topic string, rpc gjson.Result) {
	a.lk.Lock()
	id := a.selfTopics[topic]
	s, isSession := a.sessions[id]
	prop := a.proposals[id]
	a.lk.Unlock()

	method := rpc.Get("method").String()
	if method == methodSessionUpdate {
		approved := rpc.Get("params.0.approved")
		if approved.Exists() && !approved.Bool() {
			a.log.Infof("dapp %s closed the session", id)
			if isSession {
				a.forget(s)
			}
			a.publish(&adapter.SessionDeletedEvent{Version: types.V1, SessionID: id, Reason: "dapp disconnected"})
		}
		return
	}

	target := &inflight{rpcID: json.RawMessage(rpc.Get("id").Raw), sessionID: id, bridge: b}
	var account string
	var chainID uint64
	var dapp types.DappInfo
	if isSession {
		target.peerID, target.key = s.id, s.key
		account, chainID, dapp = s.account, s.chainID, s.dapp
	} else if prop != nil {
		target.peerID, target.key = prop.peerID, prop.pairing.key
		chainID, dapp = prop.chainID, prop.meta.dappInfo(prop.chainID)
	} else {
		return
	}

	rt := types.RequestType(method)
	if !rt.Valid() {
		a.log.Infof("answer unsupported method %s from %s", method, id)
		a.answer(target, rejectError(&types.RejectReason{Kind: types.RejectUnsupportedMethod}))
		a.publish(&adapter.UnsupportedRequestEvent{Version: types.V1, SessionID: id, Method: method})
		return
	}
	parsed, err := types.ParseRequestParams(rt, []byte(rpc.Get("params").Raw))
	if err != nil {
		a.log.Warnf("invalid params of %s from %s: %v", method, id, err)
		a.answer(target, &rpcError{Code: codeInvalidParams, Message: err.Error()})
		return
	}
	if account == "" {
		account = parsed.Account
	} else if parsed.Account != "" && !types.SameAccount(account, parsed.Account) {
		a.log.Warnf("%s from %s names %s, session account is %s", method, id, parsed.Account, account)
	}

	internalID := rpc.Get("id").String()
	a.lk.Lock()
	a.inflight[inflightKey(id, internalID)] = target
	a.lk.Unlock()

	a.publish(&adapter.RequestEvent{Request: &types.WalletRequest{
		InternalID:  internalID,
		SessionID:   id,
		Version:     types.V1,
		Account:     account,
		ChainID:     chainID,
		Dapp:        dapp,
		Type:        rt,
		Message:     parsed.Message,
		Transaction: parsed.Transaction,
		CreateTime:  time.Now(),
	}})
}

func inflightKey(sessionID, internalID string) string {
	return sessionID + "/" + internalID
}

// answer sends an error response, failures are only logged since no request is held for it.
func (a *Adapter) answer(target *inflight, rpcErr *rpcError) {
	resp := &rpcResponse{ID: target.rpcID, JSONRPC: "2.0", Error: rpcErr}
	if err := target.bridge.Publish(target.peerID, resp, target.key, true); err != nil {
		a.log.Warnf("answer %s: %v", string(target.rpcID), err)
	}
}

func (a *Adapter) ApproveSession(ctx context.Context, pending *types.PendingSession, params adapter.ApproveParams) (*types.Session, error) {
	a.lk.Lock()
	prop, ok := a.proposals[pending.ID]
	a.lk.Unlock()
	if !ok {
		return nil, types.Transport("approve session", fmt.Errorf("no proposal %s", pending.ID))
	}
	chainID := params.ChainID
	if chainID == 0 {
		chainID = prop.chainID
	}
	meta := a.cfg.WalletMeta
	result := &sessionParams{
		Approved:  true,
		ChainID:   &chainID,
		NetworkID: &chainID,
		Accounts:  []string{params.Account},
		PeerID:    prop.pairing.selfID,
		PeerMeta:  &meta,
	}
	resp := &rpcResponse{ID: prop.rpcID, JSONRPC: "2.0", Result: result}
	if err := prop.pairing.bridge.Publish(prop.peerID, resp, prop.pairing.key, true); err != nil {
		// a failed approve settles the pending as rejected
		a.lk.Lock()
		delete(a.proposals, pending.ID)
		delete(a.selfTopics, prop.pairing.selfID)
		a.lk.Unlock()
		a.dropPairing(prop.pairing)
		a.log.Warnf("approve session %s: %v", pending.ID, err)
		return nil, err
	}

	s := &session{
		id:             prop.peerID,
		selfID:         prop.pairing.selfID,
		handshakeTopic: prop.pairing.topic,
		key:            prop.pairing.key,
		bridge:         prop.pairing.bridge,
		account:        params.Account,
		chainID:        chainID,
		dapp:           prop.meta.dappInfo(chainID),
	}
	a.lk.Lock()
	delete(a.proposals, prop.peerID)
	delete(a.pairings, prop.pairing.topic)
	a.sessions[s.id] = s
	a.selfTopics[s.selfID] = s.id
	a.lk.Unlock()
	prop.pairing.bridge.Unsubscribe(prop.pairing.topic)

	a.log.Infow("session approved", "session", s.id, "account", s.account, "chain", chainID)
	return &types.Session{
		ID:      s.id,
		Version: types.V1,
		Account: s.account,
		Dapp:    s.dapp,
		Chains:  []uint64{chainID},
		Transport: &types.TransportState{
			Topic:     s.handshakeTopic,
			SymKey:    hex.EncodeToString(s.key),
			PeerID:    s.id,
			SelfID:    s.selfID,
			BridgeURL: s.bridge.url,
		},
		CreateTime: time.Now(),
	}, nil
}

func (a *Adapter) RejectSession(ctx context.Context, pending *types.PendingSession, reason string) error {
	a.lk.Lock()
	prop, ok := a.proposals[pending.ID]
	if ok {
		delete(a.proposals, pending.ID)
		delete(a.selfTopics, prop.pairing.selfID)
	}
	a.lk.Unlock()
	if !ok {
		return nil
	}
	defer a.dropPairing(prop.pairing)

	resp := &rpcResponse{ID: prop.rpcID, JSONRPC: "2.0", Error: &rpcError{Code: codeSessionRejected, Message: msgSessionRejected}}
	a.log.Infof("reject session %s: %s", pending.ID, reason)
	return prop.pairing.bridge.Publish(prop.peerID, resp, prop.pairing.key, true)
}

func (a *Adapter) Respond(ctx context.Context, req *types.WalletRequest, outcome types.Outcome) error {
	key := inflightKey(req.SessionID, req.InternalID)
	a.lk.Lock()
	target, ok := a.inflight[key]
	a.lk.Unlock()
	if !ok {
		a.log.Warnf("request %s of %s is unknown to the bridge, nothing to answer", req.InternalID, req.SessionID)
		return nil
	}

	resp := &rpcResponse{ID: target.rpcID, JSONRPC: "2.0"}
	if outcome.Approved {
		resp.Result = outcome.Result
	} else {
		resp.Error = rejectError(outcome.Reason)
	}
	if err := target.bridge.Publish(target.peerID, resp, target.key, true); err != nil {
		return err
	}
	a.lk.Lock()
	delete(a.inflight, key)
	a.lk.Unlock()
	return nil
}

// UpdateSession pushes the session's account and chain to the dapp with wc_sessionUpdate.
func (a *Adapter) UpdateSession(ctx context.Context, sess *types.Session) error {
	s, err := a.adopt(ctx, sess)
	if err != nil {
		return err
	}
	a.lk.Lock()
	s.account = sess.Account
	if len(sess.Chains) > 0 {
		s.chainID = sess.Chains[0]
	}
	chainID := s.chainID
	a.lk.Unlock()

	update := &rpcRequest{
		ID:      payloadID(),
		JSONRPC: "2.0",
		Method:  methodSessionUpdate,
		Params:  []interface{}{&sessionParams{Approved: true, ChainID: &chainID, NetworkID: &chainID, Accounts: []string{sess.Account}}},
	}
	return s.bridge.Publish(s.id, update, s.key, true)
}

func (a *Adapter) Disconnect(ctx context.Context, sess *types.Session, reason string) error {
	s, err := a.adopt(ctx, sess)
	if err != nil {
		return err
	}
	defer a.forget(s)

	update := &rpcRequest{
		ID:      payloadID(),
		JSONRPC: "2.0",
		Method:  methodSessionUpdate,
		Params:  []interface{}{&sessionParams{Approved: false}},
	}
	a.log.Infof("disconnect session %s: %s", s.id, reason)
	return s.bridge.Publish(s.id, update, s.key, true)
}

func (a *Adapter) forget(s *session) {
	a.lk.Lock()
	delete(a.sessions, s.id)
	delete(a.selfTopics, s.selfID)
	prefix := inflightKey(s.id, "")
	for key := range a.inflight {
		if strings.HasPrefix(key, prefix) {
			delete(a.inflight, key)
		}
	}
	a.lk.Unlock()
	s.bridge.Unsubscribe(s.selfID)
}

// adopt returns the live session, rebuilding it from its persisted transport state when needed.
func (a *Adapter) adopt(ctx context.Context, sess *types.Session) (*session, error) {
	a.lk.Lock()
	s, ok := a.sessions[sess.ID]
	a.lk.Unlock()
	if ok {
		return s, nil
	}
	if sess.Version != types.V1 || sess.Transport == nil {
		return nil, types.Transport("restore session", fmt.Errorf("session %s has no v1 transport state", sess.ID))
	}
	key, err := hex.DecodeString(sess.Transport.SymKey)
	if err != nil || len(key) != 32 {
		return nil, types.Transport("restore session", fmt.Errorf("session %s has a malformed key", sess.ID))
	}
	b, err := a.bridge(ctx, sess.Transport.BridgeURL)
	if err != nil {
		return nil, err
	}
	s = &session{
		id:             sess.ID,
		selfID:         sess.Transport.SelfID,
		handshakeTopic: sess.Transport.Topic,
		key:            key,
		bridge:         b,
		account:        sess.Account,
		dapp:           sess.Dapp,
	}
	if len(sess.Chains) > 0 {
		s.chainID = sess.Chains[0]
	}
	a.lk.Lock()
	if existing, ok := a.sessions[s.id]; ok {
		a.lk.Unlock()
		return existing, nil
	}
	a.sessions[s.id] = s
	a.selfTopics[s.selfID] = s.id
	a.lk.Unlock()

	if err := b.Subscribe(s.selfID); err != nil {
		return s, err
	}
	return s, nil
}

func (a *Adapter) Restore(ctx context.Context, sessions []*types.Session) error {
	var result error
	for _, sess := range sessions {
		if _, err := a.adopt(ctx, sess); err != nil {
			result = multierr.Append(result, err)
		}
	}
	a.log.Infof("restored %d v1 sessions", len(sessions))
	return result
}

func (a *Adapter) Close() error {
	a.lk.Lock()
	bridges := make([]*bridgeConn, 0, len(a.bridges))
	for _, b := range a.bridges {
		bridges = append(bridges, b)
	}
	a.bridges = make(map[string]*bridgeConn)
	a.lk.Unlock()

	var result error
	for _, b := range bridges {
		result = multierr.Append(result, b.Close())
	}
	return result
}
