package negotiator

import (
	"context"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/sophon-connect/adapter"
	"github.com/ipfs-force-community/sophon-connect/sessionstore"
	"github.com/ipfs-force-community/sophon-connect/types"
)

var log = logging.Logger("negotiator")

// AdapterSource resolves the adapter finishing a handshake.
type AdapterSource interface {
	Get(version types.Version) (adapter.Adapter, error)
}

type Hooks struct {
	// OnTransition fires after a pending session entered state, outside the lock.
	OnTransition func(pending *types.PendingSession, session *types.Session)
}

const maxTombstones = 256

// Negotiator owns pending sessions from receipt until their single terminal transition.
type Negotiator struct {
	lk         sync.Mutex
	pendings   map[string]*types.PendingSession
	tombstones map[string]types.PendingState
	tombOrder  []string

	adapters  AdapterSource
	store     sessionstore.ISessionStore
	supported []uint64
	hooks     Hooks
}

func New(adapters AdapterSource, store sessionstore.ISessionStore, supportedChains []uint64, hooks Hooks) *Negotiator {
	return &Negotiator{
		pendings:   make(map[string]*types.PendingSession),
		tombstones: make(map[string]types.PendingState),
		adapters:   adapters,
		store:      store,
		supported:  append([]uint64(nil), supportedChains...),
		hooks:      hooks,
	}
}

func (n *Negotiator) SupportedChains() []uint64 {
	return append([]uint64(nil), n.supported...)
}

func (n *Negotiator) isSupported(chainID uint64) bool {
	for _, c := range n.supported {
		if c == chainID {
			return true
		}
	}
	return false
}

// Receive registers a new proposal in state Received. A single-chain proposal asking for an unsupported
// chain falls back to Mainnet, the requested chain is kept and the substitution flagged.
func (n *Negotiator) Receive(pending *types.PendingSession) (*types.PendingSession, bool) {
	p := pending.Clone()
	p.State = types.PendingReceived
	if p.CreateTime.IsZero() {
		p.CreateTime = time.Now()
	}
	if p.ChainID != 0 && !n.isSupported(p.ChainID) {
		log.Warnf("pending %s asks for unsupported chain %d, fall back to %d", p.ID, p.ChainID, types.Mainnet)
		p.RequestedChainID = p.ChainID
		p.ChainID = types.Mainnet
		p.ChainSubstituted = true
	}

	n.lk.Lock()
	if _, ok := n.pendings[p.ID]; ok {
		n.lk.Unlock()
		log.Warnf("pending %s received twice, ignore", p.ID)
		return nil, false
	}
	if state, ok := n.tombstones[p.ID]; ok {
		n.lk.Unlock()
		log.Warnf("pending %s already %s, ignore", p.ID, state)
		return nil, false
	}
	n.pendings[p.ID] = p
	n.lk.Unlock()

	log.Infow("pending session received", "id", p.ID, "version", p.Version, "dapp", p.Dapp.URL, "chains", p.ProposedChains())
	n.transition(p.Clone(), nil)
	return p.Clone(), true
}

// Current is the oldest pending session still awaiting the user.
func (n *Negotiator) Current() *types.PendingSession {
	list := n.List()
	for _, p := range list {
		if p.State == types.PendingReceived {
			return p
		}
	}
	return nil
}

// List returns every live pending session, oldest first.
func (n *Negotiator) List() []*types.PendingSession {
	n.lk.Lock()
	defer n.lk.Unlock()
	out := make([]*types.PendingSession, 0, len(n.pendings))
	for _, p := range n.pendings {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreateTime.Before(out[j].CreateTime)
	})
	return out
}

func (n *Negotiator) Get(id string) (*types.PendingSession, bool) {
	n.lk.Lock()
	defer n.lk.Unlock()
	p, ok := n.pendings[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// State reports the state of a live or recently settled pending session.
func (n *Negotiator) State(id string) (types.PendingState, bool) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if p, ok := n.pendings[id]; ok {
		return p.State, true
	}
	state, ok := n.tombstones[id]
	return state, ok
}

// take moves a Received pending session to next. A pending already past Received is an anomaly.
func (n *Negotiator) take(id string, next types.PendingState) (*types.PendingSession, error) {
	n.lk.Lock()
	defer n.lk.Unlock()
	p, ok := n.pendings[id]
	if !ok {
		if state, done := n.tombstones[id]; done {
			log.Warnw("ignore settle of pending session", "id", id, "state", state, "to", next, "err", types.ErrDoubleSettle)
			return nil, nil
		}
		return nil, errors.Errorf("pending session %s not found", id)
	}
	if p.State != types.PendingReceived {
		log.Warnw("ignore settle of pending session", "id", id, "state", p.State, "to", next, "err", types.ErrDoubleSettle)
		return nil, nil
	}
	p.State = next
	if next.Terminal() {
		n.finishLocked(id, next)
	}
	return p.Clone(), nil
}

func (n *Negotiator) finishLocked(id string, state types.PendingState) {
	delete(n.pendings, id)
	if _, ok := n.tombstones[id]; !ok {
		n.tombOrder = append(n.tombOrder, id)
	}
	n.tombstones[id] = state
	if len(n.tombOrder) > maxTombstones {
		delete(n.tombstones, n.tombOrder[0])
		n.tombOrder = n.tombOrder[1:]
	}
}

type ApproveOptions struct {
	Account string
	// ChainID overrides the chain of a single-chain proposal, zero keeps the proposed one.
	ChainID uint64
}

// Approve finalizes the handshake through the adapter and publishes the new session to the store.
// When the adapter fails the pending session is dropped and a transport error returned.
// Approving a pending session that already left Received returns nil, nil.
func (n *Negotiator) Approve(ctx context.Context, id string, opts ApproveOptions) (*types.Session, error) {
	if opts.Account == "" {
		return nil, types.ErrEmptySessionAccount
	}
	if opts.ChainID != 0 && !n.isSupported(opts.ChainID) {
		return nil, errors.Wrapf(ErrUnsupportedChain, "chain %d", opts.ChainID)
	}

	peek, ok := n.Get(id)
	if !ok {
		_, err := n.take(id, types.PendingApproving)
		return nil, err
	}
	a, err := n.adapters.Get(peek.Version)
	if err != nil {
		return nil, err
	}
	params := adapter.ApproveParams{Account: opts.Account, ChainID: opts.ChainID}
	if params.ChainID == 0 {
		params.ChainID = peek.ChainID
	}
	if params.ChainID != 0 {
		peek.ChainID = params.ChainID
	}
	if params.Namespaces, err = BuildNamespaces(opts.Account, peek, n.supported); err != nil {
		return nil, err
	}

	p, err := n.take(id, types.PendingApproving)
	if err != nil || p == nil {
		return nil, err
	}
	n.transition(p, nil)

	session, err := a.ApproveSession(ctx, p, params)
	if err != nil {
		n.lk.Lock()
		n.finishLocked(id, types.PendingRejected)
		n.lk.Unlock()
		p.State = types.PendingRejected
		n.transition(p, nil)
		log.Errorf("approve pending %s: %v", id, err)
		return nil, types.Transport("approve session", err)
	}
	if err := n.store.AddSession(ctx, session); err != nil {
		// the dapp already holds the session, keep going so the wallet can still disconnect it
		log.Errorf("store session %s: %v", session.ID, err)
	}

	n.lk.Lock()
	n.finishLocked(id, types.PendingApproved)
	n.lk.Unlock()
	p.State = types.PendingApproved
	log.Infow("pending session approved", "id", id, "session", session.ID, "account", session.Account, "chains", session.Chains)
	n.transition(p, session)
	return session, nil
}

// Reject settles a Received pending session as rejected and tells the dapp. The local transition
// stands even when the wire call fails.
func (n *Negotiator) Reject(ctx context.Context, id, reason string) error {
	p, err := n.take(id, types.PendingRejected)
	if err != nil || p == nil {
		return err
	}
	log.Infof("pending session %s rejected: %s", id, reason)
	n.transition(p, nil)

	a, err := n.adapters.Get(p.Version)
	if err != nil {
		return err
	}
	if err := a.RejectSession(ctx, p, reason); err != nil {
		return types.Transport("reject session", err)
	}
	return nil
}

// Dismiss is the close-without-action path: a rejection while the proposal is still Received, nothing otherwise.
func (n *Negotiator) Dismiss(ctx context.Context, id string) error {
	state, ok := n.State(id)
	if !ok || state != types.PendingReceived {
		return nil
	}
	return n.Reject(ctx, id, "dismissed by user")
}

// Expire settles a pending session the adapter reported as expired. Nothing goes over the wire.
func (n *Negotiator) Expire(id string) bool {
	p, err := n.take(id, types.PendingExpired)
	if err != nil || p == nil {
		return false
	}
	log.Infof("pending session %s expired", id)
	n.transition(p, nil)
	return true
}

func (n *Negotiator) transition(p *types.PendingSession, session *types.Session) {
	if n.hooks.OnTransition != nil {
		n.hooks.OnTransition(p, session)
	}
}
