package wcv2

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ipfs-force-community/sophon-connect/adapter"
	"github.com/ipfs-force-community/sophon-connect/negotiator"
	"github.com/ipfs-force-community/sophon-connect/requestqueue"
	"github.com/ipfs-force-community/sophon-connect/types"
)

const DefaultRelayURL = "wss://relay.walletconnect.com"

type Config struct {
	RelayURL   string
	ProjectID  string
	Metadata   Metadata
	BusyPolicy requestqueue.BusyPolicy
}

type pairing struct {
	topic  string
	symKey []byte
}

type proposal struct {
	id           int64
	pairingTopic string
	proposer     participant
	peerPublic   []byte
	required     types.Namespaces
	optional     types.Namespaces
	timer        *time.Timer
}

type session struct {
	topic      string
	symKey     []byte
	peerPublic string
	account    string
	chains     []uint64
	dapp       types.DappInfo
}

type inflight struct {
	id    int64
	topic string
}

var _ adapter.Adapter = (*Adapter)(nil)

// Adapter speaks WalletConnect v2 through a relay server. The session id is the session topic.
type Adapter struct {
	cfg      Config
	log      *zap.SugaredLogger
	identity *relayIdentity

	ctx    context.Context
	cancel context.CancelFunc

	relayLk sync.Mutex
	client  *relayClient

	lk        sync.Mutex
	pairings  map[string]*pairing
	proposals map[string]*proposal
	sessions  map[string]*session
	inflight  map[string]*inflight
	sink      adapter.EventSink
}

func New(cfg Config, log *zap.SugaredLogger) (*Adapter, error) {
	if log == nil {
		log = logging.Logger("wcv2").With()
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
	}
	if !cfg.BusyPolicy.Valid() {
		cfg.BusyPolicy = requestqueue.BusyQueue
	}
	identity, err := newRelayIdentity()
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		cfg:       cfg,
		log:       log,
		identity:  identity,
		pairings:  make(map[string]*pairing),
		proposals: make(map[string]*proposal),
		sessions:  make(map[string]*session),
		inflight:  make(map[string]*inflight),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

func (a *Adapter) Version() types.Version { return types.V2 }

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

// endpoint builds the relay url with a fresh auth token, tokens expire so every dial signs a new one.
func (a *Adapter) endpoint() (string, error) {
	u, err := url.Parse(a.cfg.RelayURL)
	if err != nil {
		return "", errors.Wrap(err, "parse relay url")
	}
	audience := u.Scheme + "://" + u.Host
	token, err := a.identity.Token(audience, time.Now())
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("auth", token)
	if a.cfg.ProjectID != "" {
		q.Set("projectId", a.cfg.ProjectID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (a *Adapter) relay(ctx context.Context) (*relayClient, error) {
	a.relayLk.Lock()
	defer a.relayLk.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	if a.ctx.Err() != nil {
		return nil, types.Transport("dial relay", errRelayClosed)
	}
	client, err := dialRelay(ctx, a.endpoint, a.log.With("relay", a.cfg.RelayURL), a.onMessage)
	if err != nil {
		return nil, types.Transport("dial relay", err)
	}
	a.client = client
	return client, nil
}

func (a *Adapter) Pair(ctx context.Context, uri *types.PairingURI) error {
	if uri.Version != types.V2 {
		return types.NewError(types.ErrInvalidURI, "pair", fmt.Errorf("%s uri given to v2 adapter", uri.Version))
	}
	if !uri.Expiry.IsZero() && uri.Expiry.Before(time.Now()) {
		return types.NewError(types.ErrInvalidURI, "pair", errors.New("pairing uri expired"))
	}
	relay, err := a.relay(ctx)
	if err != nil {
		return err
	}

	a.lk.Lock()
	if _, ok := a.pairings[uri.Topic]; ok {
		a.lk.Unlock()
		a.log.Warnf("topic %s already paired, wait for its proposal", uri.Topic)
		return nil
	}
	a.pairings[uri.Topic] = &pairing{topic: uri.Topic, symKey: uri.SymKey}
	a.lk.Unlock()

	if err := relay.Subscribe(ctx, uri.Topic); err != nil {
		a.lk.Lock()
		delete(a.pairings, uri.Topic)
		a.lk.Unlock()
		return err
	}
	a.log.Infow("pairing", "topic", uri.Topic)
	return nil
}

func (a *Adapter) onMessage(msg *relayMessage) {
	a.lk.Lock()
	p, isPairing := a.pairings[msg.Topic]
	s, isSession := a.sessions[msg.Topic]
	a.lk.Unlock()

	var symKey []byte
	switch {
	case isPairing:
		symKey = p.symKey
	case isSession:
		symKey = s.symKey
	default:
		a.log.Debugf("drop message on unknown topic %s", msg.Topic)
		return
	}
	plain, err := decodeEnvelope(msg.Message, symKey)
	if err != nil {
		a.log.Warnf("drop message on %s: %v", msg.Topic, err)
		return
	}
	rpc := gjson.ParseBytes(plain)
	if !rpc.Get("method").Exists() {
		if e := rpc.Get("error"); e.Exists() {
			a.log.Warnf("peer answered %d on %s with error %s", rpc.Get("id").Int(), msg.Topic, e.Raw)
		} else {
			a.log.Debugf("peer answered %d on %s", rpc.Get("id").Int(), msg.Topic)
		}
		return
	}
	if isPairing {
		a.handlePairingMessage(p, rpc)
		return
	}
	a.handleSessionMessage(s, rpc)
}

// reply answers the request rpc on topic, failures are only logged since nothing waits on them.
func (a *Adapter) reply(topic string, symKey []byte, rpc gjson.Result, result interface{}, rpcErr *rpcError) {
	resp := &rpcResponse{ID: rpc.Get("id").Int(), JSONRPC: "2.0", Result: result, Error: rpcErr}
	if err := a.send(a.ctx, topic, symKey, resp, responseOpts(rpc.Get("method").String())); err != nil {
		a.log.Warnf("answer %s %d: %v", rpc.Get("method").String(), resp.ID, err)
	}
}

func (a *Adapter) send(ctx context.Context, topic string, symKey []byte, msg interface{}, opts publishOpts) error {
	message, err := encodeEnvelope(msg, symKey)
	if err != nil {
		return err
	}
	relay, err := a.relay(ctx)
	if err != nil {
		return err
	}
	return relay.Publish(ctx, topic, message, opts)
}

func (a *Adapter) handlePairingMessage(p *pairing, rpc gjson.Result) {
	switch method := rpc.Get("method").String(); method {
	case methodSessionPropose:
		a.handleProposal(p, rpc)
	case methodPairingPing:
		a.reply(p.topic, p.symKey, rpc, true, nil)
	case methodPairingDelete:
		a.reply(p.topic, p.symKey, rpc, true, nil)
		a.lk.Lock()
		delete(a.pairings, p.topic)
		a.lk.Unlock()
		a.unsubscribe(p.topic)
		a.log.Infof("dapp deleted pairing %s", p.topic)
	default:
		a.reply(p.topic, p.symKey, rpc, nil, &rpcError{Code: codeUnsupportedMethods, Message: "Unsupported methods."})
	}
}

func (a *Adapter) unsubscribe(topic string) {
	a.relayLk.Lock()
	client := a.client
	a.relayLk.Unlock()
	if client == nil {
		return
	}
	if err := client.Unsubscribe(a.ctx, topic); err != nil {
		a.log.Debugf("unsubscribe %s: %v", topic, err)
	}
}

func (a *Adapter) handleProposal(p *pairing, rpc gjson.Result) {
	var params proposeParams
	if err := json.Unmarshal([]byte(rpc.Get("params").Raw), &params); err != nil {
		a.reply(p.topic, p.symKey, rpc, nil, &rpcError{Code: codeInvalidParams, Message: err.Error()})
		return
	}
	peerPublic, err := hex.DecodeString(params.Proposer.PublicKey)
	if err != nil || len(peerPublic) != 32 {
		a.reply(p.topic, p.symKey, rpc, nil, &rpcError{Code: codeInvalidParams, Message: "invalid proposer public key"})
		return
	}

	id := rpc.Get("id").Int()
	pendingID := formatID(id)
	expiry := time.Now().Add(proposalTTL)
	if params.ExpiryTimestamp > 0 {
		expiry = time.Unix(params.ExpiryTimestamp, 0)
	}
	prop := &proposal{
		id:           id,
		pairingTopic: p.topic,
		proposer:     params.Proposer,
		peerPublic:   peerPublic,
		required:     params.RequiredNamespaces,
		optional:     params.OptionalNamespaces,
	}

	a.lk.Lock()
	if _, ok := a.proposals[pendingID]; ok {
		a.lk.Unlock()
		a.log.Warnf("duplicate proposal %s", pendingID)
		return
	}
	a.proposals[pendingID] = prop
	prop.timer = time.AfterFunc(time.Until(expiry), func() { a.expire(pendingID) })
	a.lk.Unlock()

	a.publish(&adapter.ProposalEvent{Pending: &types.PendingSession{
		ID:                 pendingID,
		Version:            types.V2,
		Dapp:               params.Proposer.Metadata.dappInfo(),
		Chains:             negotiator.ChainsOf(params.RequiredNamespaces),
		RequiredNamespaces: params.RequiredNamespaces,
		OptionalNamespaces: params.OptionalNamespaces,
		Expiry:             expiry,
		CreateTime:         time.Now(),
	}, PairingTopic: p.topic})
}

func (a *Adapter) expire(pendingID string) {
	a.lk.Lock()
	_, ok := a.proposals[pendingID]
	delete(a.proposals, pendingID)
	a.lk.Unlock()
	if !ok {
		return
	}
	a.log.Infof("proposal %s expired", pendingID)
	a.publish(&adapter.ProposalExpiredEvent{Version: types.V2, PendingID: pendingID})
}

func (a *Adapter) takeProposal(pendingID string) (*proposal, bool) {
	a.lk.Lock()
	defer a.lk.Unlock()
	prop, ok := a.proposals[pendingID]
	if !ok {
		return nil, false
	}
	delete(a.proposals, pendingID)
	prop.timer.Stop()
	return prop, true
}

func (a *Adapter) handleSessionMessage(s *session, rpc gjson.Result) {
	switch method := rpc.Get("method").String(); method {
	case methodSessionRequest:
		a.handleRequest(s, rpc)
	case methodSessionPing, methodSessionEvent, methodSessionExtend, methodSessionUpdate:
		a.reply(s.topic, s.symKey, rpc, true, nil)
	case methodSessionDelete:
		a.reply(s.topic, s.symKey, rpc, true, nil)
		a.forget(s)
		reason := rpc.Get("params.message").String()
		a.log.Infof("dapp deleted session %s: %s", s.topic, reason)
		a.publish(&adapter.SessionDeletedEvent{Version: types.V2, SessionID: s.topic, Reason: reason})
	default:
		a.reply(s.topic, s.symKey, rpc, nil, &rpcError{Code: codeUnsupportedMethods, Message: "Unsupported methods."})
	}
}

func (a *Adapter) handleRequest(s *session, rpc gjson.Result) {
	method := rpc.Get("params.request.method").String()
	chainID, err := types.ParseCAIP2(rpc.Get("params.chainId").String())
	if err != nil {
		a.reply(s.topic, s.symKey, rpc, nil, &rpcError{Code: codeInvalidParams, Message: err.Error()})
		return
	}
	if !containsChain(s.chains, chainID) {
		a.reply(s.topic, s.symKey, rpc, nil, &rpcError{Code: codeUnsupportedChains, Message: "Unsupported chains."})
		return
	}
	rt := types.RequestType(method)
	if !rt.Valid() {
		a.log.Infof("answer unsupported method %s from %s", method, s.topic)
		a.reply(s.topic, s.symKey, rpc, nil, rejectError(&types.RejectReason{Kind: types.RejectUnsupportedMethod}))
		a.publish(&adapter.UnsupportedRequestEvent{Version: types.V2, SessionID: s.topic, Method: method})
		return
	}
	parsed, err := types.ParseRequestParams(rt, []byte(rpc.Get("params.request.params").Raw))
	if err != nil {
		a.reply(s.topic, s.symKey, rpc, nil, &rpcError{Code: codeInvalidParams, Message: err.Error()})
		return
	}
	if parsed.Account != "" && !types.SameAccount(parsed.Account, s.account) {
		a.log.Warnf("%s from %s names %s, session account is %s", method, s.topic, parsed.Account, s.account)
	}

	id := rpc.Get("id").Int()
	internalID := formatID(id)
	a.lk.Lock()
	a.inflight[inflightKey(s.topic, internalID)] = &inflight{id: id, topic: s.topic}
	a.lk.Unlock()

	dapp := s.dapp
	dapp.ChainID = chainID
	a.publish(&adapter.RequestEvent{Request: &types.WalletRequest{
		InternalID:  internalID,
		SessionID:   s.topic,
		Version:     types.V2,
		Account:     s.account,
		ChainID:     chainID,
		Dapp:        dapp,
		Type:        rt,
		Message:     parsed.Message,
		Transaction: parsed.Transaction,
		CreateTime:  time.Now(),
	}})
}

func containsChain(chains []uint64, chainID uint64) bool {
	for _, c := range chains {
		if c == chainID {
			return true
		}
	}
	return false
}

func inflightKey(sessionID, internalID string) string {
	return sessionID + "/" + internalID
}

// ApproveSession answers the proposal with the wallet's public key and settles the session on the derived topic.
func (a *Adapter) ApproveSession(ctx context.Context, pending *types.PendingSession, params adapter.ApproveParams) (*types.Session, error) {
	prop, ok := a.takeProposal(pending.ID)
	if !ok {
		return nil, types.Transport("approve session", fmt.Errorf("no proposal %s", pending.ID))
	}
	a.lk.Lock()
	p, ok := a.pairings[prop.pairingTopic]
	a.lk.Unlock()
	if !ok {
		return nil, types.Transport("approve session", fmt.Errorf("pairing %s is gone", prop.pairingTopic))
	}

	self, err := generateKeyPair()
	if err != nil {
		return nil, err
	}
	symKey, err := deriveSymKey(self.private, prop.peerPublic)
	if err != nil {
		return nil, types.Transport("approve session", err)
	}
	chains := negotiator.ChainsOf(params.Namespaces)
	s := &session{
		topic:      topicOf(symKey),
		symKey:     symKey,
		peerPublic: prop.proposer.PublicKey,
		account:    params.Account,
		chains:     chains,
		dapp:       prop.proposer.Metadata.dappInfo(),
	}
	a.lk.Lock()
	a.sessions[s.topic] = s
	a.lk.Unlock()

	relay, err := a.relay(ctx)
	if err == nil {
		err = relay.Subscribe(ctx, s.topic)
	}
	if err == nil {
		result := &proposeResult{Relay: relayProtocol{Protocol: "irn"}, ResponderPublicKey: self.publicHex()}
		err = a.send(ctx, p.topic, p.symKey, &rpcResponse{ID: prop.id, JSONRPC: "2.0", Result: result},
			methods[methodSessionPropose].Res)
	}
	expiry := time.Now().Add(sessionTTL)
	if err == nil {
		settle := &settleParams{
			Relay:              relayProtocol{Protocol: "irn"},
			Namespaces:         params.Namespaces,
			RequiredNamespaces: prop.required,
			OptionalNamespaces: prop.optional,
			Controller:         participant{PublicKey: self.publicHex(), Metadata: a.cfg.Metadata},
			Expiry:             expiry.Unix(),
		}
		err = a.send(ctx, s.topic, s.symKey, &rpcRequest{ID: payloadID(), JSONRPC: "2.0", Method: methodSessionSettle, Params: settle},
			methods[methodSessionSettle].Req)
	}
	if err != nil {
		a.forget(s)
		return nil, err
	}

	a.log.Infow("session approved", "session", s.topic, "account", s.account, "chains", chains)
	return &types.Session{
		ID:         s.topic,
		Version:    types.V2,
		Account:    s.account,
		Dapp:       s.dapp,
		Chains:     chains,
		Namespaces: params.Namespaces,
		Transport: &types.TransportState{
			Topic:         s.topic,
			SymKey:        hex.EncodeToString(symKey),
			PeerPublicKey: s.peerPublic,
			RelayURL:      a.cfg.RelayURL,
			Expiry:        expiry.Unix(),
		},
		CreateTime: time.Now(),
	}, nil
}

func (a *Adapter) RejectSession(ctx context.Context, pending *types.PendingSession, reason string) error {
	prop, ok := a.takeProposal(pending.ID)
	if !ok {
		return nil
	}
	a.lk.Lock()
	p, ok := a.pairings[prop.pairingTopic]
	a.lk.Unlock()
	if !ok {
		return nil
	}
	a.log.Infof("reject proposal %s: %s", pending.ID, reason)
	resp := &rpcResponse{ID: prop.id, JSONRPC: "2.0", Error: &rpcError{Code: codeUserRejected, Message: "User rejected."}}
	return a.send(ctx, p.topic, p.symKey, resp, methods[methodSessionPropose].Res)
}

func (a *Adapter) Respond(ctx context.Context, req *types.WalletRequest, outcome types.Outcome) error {
	key := inflightKey(req.SessionID, req.InternalID)
	a.lk.Lock()
	target, ok := a.inflight[key]
	s, live := a.sessions[req.SessionID]
	a.lk.Unlock()
	if !ok || !live {
		a.log.Warnf("request %s of %s is unknown to the relay, nothing to answer", req.InternalID, req.SessionID)
		return nil
	}
	if id, err := parseID(req.InternalID); err != nil || id != target.id {
		return types.Transport("respond", fmt.Errorf("request id %q does not match the wire id", req.InternalID))
	}

	resp := &rpcResponse{ID: target.id, JSONRPC: "2.0"}
	if outcome.Approved {
		resp.Result = outcome.Result
	} else {
		resp.Error = rejectError(outcome.Reason)
	}
	if err := a.send(ctx, target.topic, s.symKey, resp, methods[methodSessionRequest].Res); err != nil {
		return err
	}
	a.lk.Lock()
	delete(a.inflight, key)
	a.lk.Unlock()
	return nil
}

// UpdateSession is a no-op, v2 sessions are not rebound to a single active chain.
func (a *Adapter) UpdateSession(ctx context.Context, sess *types.Session) error {
	a.log.Debugf("ignore update of v2 session %s", sess.ID)
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context, sess *types.Session, reason string) error {
	s, err := a.adopt(ctx, sess)
	if err != nil {
		return err
	}
	defer a.forget(s)

	a.log.Infof("disconnect session %s: %s", s.topic, reason)
	del := &rpcRequest{
		ID:      payloadID(),
		JSONRPC: "2.0",
		Method:  methodSessionDelete,
		Params:  &deleteParams{Code: codeUserDisconnected, Message: "User disconnected."},
	}
	return a.send(ctx, s.topic, s.symKey, del, methods[methodSessionDelete].Req)
}

func (a *Adapter) forget(s *session) {
	a.lk.Lock()
	delete(a.sessions, s.topic)
	prefix := inflightKey(s.topic, "")
	for key := range a.inflight {
		if strings.HasPrefix(key, prefix) {
			delete(a.inflight, key)
		}
	}
	a.lk.Unlock()
	a.unsubscribe(s.topic)
}

// adopt returns the live session, rebuilding it from its persisted transport state when needed.
func (a *Adapter) adopt(ctx context.Context, sess *types.Session) (*session, error) {
	a.lk.Lock()
	s, ok := a.sessions[sess.ID]
	a.lk.Unlock()
	if ok {
		return s, nil
	}
	if sess.Version != types.V2 || sess.Transport == nil {
		return nil, types.Transport("restore session", fmt.Errorf("session %s has no v2 transport state", sess.ID))
	}
	symKey, err := hex.DecodeString(sess.Transport.SymKey)
	if err != nil || len(symKey) != 32 || topicOf(symKey) != sess.ID {
		return nil, types.Transport("restore session", fmt.Errorf("session %s has a malformed key", sess.ID))
	}
	s = &session{
		topic:      sess.ID,
		symKey:     symKey,
		peerPublic: sess.Transport.PeerPublicKey,
		account:    sess.Account,
		chains:     append([]uint64(nil), sess.Chains...),
		dapp:       sess.Dapp,
	}
	a.lk.Lock()
	if existing, ok := a.sessions[s.topic]; ok {
		a.lk.Unlock()
		return existing, nil
	}
	a.sessions[s.topic] = s
	a.lk.Unlock()

	relay, err := a.relay(ctx)
	if err != nil {
		return s, err
	}
	return s, relay.Subscribe(ctx, s.topic)
}

func (a *Adapter) Restore(ctx context.Context, sessions []*types.Session) error {
	var result error
	for _, sess := range sessions {
		if sess.Transport != nil && sess.Transport.Expiry > 0 && time.Unix(sess.Transport.Expiry, 0).Before(time.Now()) {
			a.log.Infof("skip expired session %s", sess.ID)
			continue
		}
		if _, err := a.adopt(ctx, sess); err != nil {
			result = multierr.Append(result, err)
		}
	}
	a.log.Infof("restored %d v2 sessions", len(sessions))
	return result
}

func (a *Adapter) Close() error {
	a.cancel()
	a.lk.Lock()
	for id, prop := range a.proposals {
		prop.timer.Stop()
		delete(a.proposals, id)
	}
	a.lk.Unlock()

	a.relayLk.Lock()
	client := a.client
	a.client = nil
	a.relayLk.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}
