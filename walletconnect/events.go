package walletconnect

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/ipfs-force-community/sophon-connect/adapter"
	"github.com/ipfs-force-community/sophon-connect/permit"
	"github.com/ipfs-force-community/sophon-connect/types"
)

// HandleEvent is the event bridge consumer, it runs on the bridge goroutine only.
func (m *Manager) HandleEvent(ctx context.Context, event adapter.Event) {
	switch ev := event.(type) {
	case *adapter.ProposalEvent:
		m.handleProposal(ev)
	case *adapter.RequestEvent:
		m.handleRequest(ctx, ev.Request)
	case *adapter.UnsupportedRequestEvent:
		log.Warnf("%s session %s sent unsupported method %s", ev.Version, ev.SessionID, ev.Method)
		m.track(&types.LifecycleEvent{Kind: types.EventUnsupportedRequest, Version: ev.Version, SessionID: ev.SessionID,
			Method: types.RequestType(ev.Method)})
	case *adapter.SessionDeletedEvent:
		m.handleSessionDeleted(ctx, ev)
	case *adapter.ProposalExpiredEvent:
		m.negotiator.Expire(ev.PendingID)
	case *adapter.PairingFailedEvent:
		m.lk.Lock()
		p := m.pairing
		m.lk.Unlock()
		if p == nil {
			log.Warnf("pairing %s failed after its attempt ended: %v", ev.Topic, ev.Err)
			return
		}
		m.failScan(ev.Version, ev.Topic, p.attempt, ev.Err)
	default:
		log.Warnf("unknown adapter event %s", event.Kind())
	}
}

func (m *Manager) handleProposal(ev *adapter.ProposalEvent) {
	event := &types.LifecycleEvent{Kind: types.EventProposalReceived, Version: ev.Pending.Version, SessionID: ev.Pending.ID,
		Dapp: ev.Pending.Dapp.URL}
	if p := m.takePairing(ev.Pending.Version, ev.PairingTopic); p != nil {
		m.supervisor.Resolve(p.attempt)
		event.Duration = time.Since(p.start)
	}
	if _, ok := m.negotiator.Receive(ev.Pending); !ok {
		return
	}
	m.track(event)
}

func (m *Manager) handleRequest(ctx context.Context, req *types.WalletRequest) {
	if req == nil {
		return
	}
	if session, ok := m.store.FindSession(req.SessionID); ok {
		fillFromSession(req, session)
	} else if pending, ok := m.negotiator.Get(req.SessionID); ok && pending.Version == types.V1 {
		// v1 dapps may send before the session is confirmed
		if req.Dapp.URL == "" {
			req.Dapp = pending.Dapp
		}
	} else {
		log.Warnf("request %s for unknown session %s", req.InternalID, req.SessionID)
		m.respondOutside(ctx, req, types.Rejected(types.RejectSessionClosed, "unknown session"))
		return
	}
	if req.CreateTime.IsZero() {
		req.CreateTime = time.Now()
	}
	permit.Enrich(req)

	m.track(&types.LifecycleEvent{Kind: types.EventRequestReceived, Version: req.Version, SessionID: req.SessionID,
		Account: req.Account, Dapp: req.Dapp.URL, Method: req.Type})

	res, err := m.queue.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, types.ErrTransport) {
			m.publish(&types.UIEvent{Kind: types.UIError, Error: err.Error(), Retryable: true})
			return
		}
		kind := types.RejectSignFailed
		if errors.Is(err, types.ErrUnsupportedMethod) {
			kind = types.RejectUnsupportedMethod
		}
		log.Warnf("drop malformed request %s: %v", req.InternalID, err)
		m.respondOutside(ctx, req, types.Rejected(kind, err.Error()))
		return
	}
	log.Debugf("request %s submitted: %s", req.InternalID, res)
}

// respondOutside answers a request that never entered the queue.
func (m *Manager) respondOutside(ctx context.Context, req *types.WalletRequest, outcome types.Outcome) {
	if err := m.registry.Respond(ctx, req, outcome); err != nil {
		log.Errorf("respond %s to request %s: %v", outcome, req.InternalID, err)
	}
	m.track(&types.LifecycleEvent{Kind: types.EventRequestCompleted, Version: req.Version, SessionID: req.SessionID,
		Account: req.Account, Method: req.Type, Outcome: outcomeLabel(outcome)})
}

func fillFromSession(req *types.WalletRequest, session *types.Session) {
	if req.Account == "" {
		req.Account = session.Account
	}
	if req.Dapp.URL == "" {
		req.Dapp = session.Dapp
	}
	if req.ChainID == 0 && len(session.Chains) > 0 {
		req.ChainID = session.Chains[0]
	}
}

func (m *Manager) handleSessionDeleted(ctx context.Context, ev *adapter.SessionDeletedEvent) {
	session, ok := m.store.FindSession(ev.SessionID)
	if !ok {
		// a v1 dapp may give up before the user answered its proposal
		if m.negotiator.Expire(ev.SessionID) {
			return
		}
		log.Debugf("delete of unknown session %s", ev.SessionID)
		return
	}
	log.Infof("dapp %s ended session %s: %s", session.Dapp.URL, session.ID, ev.Reason)
	m.dropSession(ctx, session)
}

// dropSession removes a session locally and rejects its requests. It never touches the wire for the session itself.
func (m *Manager) dropSession(ctx context.Context, session *types.Session) {
	if err := m.queue.ClearSession(ctx, session.ID); err != nil {
		log.Warnf("clear requests of session %s: %v", session.ID, err)
	}
	if _, err := m.store.RemoveSession(ctx, session.Account, session.ID); err != nil {
		log.Errorf("remove session %s: %v", session.ID, err)
	}
	m.publish(&types.UIEvent{Kind: types.UISessionsChanged, Account: session.Account})
	m.track(&types.LifecycleEvent{Kind: types.EventSessionDisconnect, Version: session.Version, SessionID: session.ID,
		Account: session.Account, Dapp: session.Dapp.URL})
}

func (m *Manager) onPendingTransition(p *types.PendingSession, session *types.Session) {
	switch p.State {
	case types.PendingReceived:
		m.publish(&types.UIEvent{Kind: types.UIPendingSession, Pending: p})
	case types.PendingApproved:
		m.publish(&types.UIEvent{Kind: types.UIPendingCleared, Pending: p})
		if session != nil {
			m.publish(&types.UIEvent{Kind: types.UISessionsChanged, Account: session.Account})
			m.track(&types.LifecycleEvent{Kind: types.EventSessionConnected, Version: session.Version, SessionID: session.ID,
				Account: session.Account, Dapp: session.Dapp.URL})
		}
	case types.PendingRejected:
		m.publish(&types.UIEvent{Kind: types.UIPendingCleared, Pending: p})
		m.track(&types.LifecycleEvent{Kind: types.EventSessionRejected, Version: p.Version, SessionID: p.ID, Dapp: p.Dapp.URL})
		m.clearEarlyRequests(p)
	case types.PendingExpired:
		m.publish(&types.UIEvent{Kind: types.UIPendingCleared, Pending: p})
		m.clearEarlyRequests(p)
	}
}

// clearEarlyRequests drops requests a v1 dapp sent before its pending session was settled.
func (m *Manager) clearEarlyRequests(p *types.PendingSession) {
	if p.Version != types.V1 {
		return
	}
	if err := m.queue.ClearSession(m.ctx, p.ID); err != nil {
		log.Warnw("clear requests of closed pending", "session", p.ID, "err", err)
	}
}

func (m *Manager) onRequestCurrent(req *types.WalletRequest) {
	m.publish(&types.UIEvent{Kind: types.UIRequest, Request: req})
}

func (m *Manager) onRequestSettled(req *types.WalletRequest, outcome types.Outcome, elapsed time.Duration) {
	m.lk.Lock()
	delete(m.signed, req.InternalID)
	m.lk.Unlock()

	// requests answered busy or dropped from the backlog were never shown
	if elapsed > 0 {
		m.publish(&types.UIEvent{Kind: types.UIRequestCleared, Request: req})
	}
	m.track(&types.LifecycleEvent{Kind: types.EventRequestCompleted, Version: req.Version, SessionID: req.SessionID,
		Account: req.Account, Dapp: req.Dapp.URL, Method: req.Type, Outcome: outcomeLabel(outcome), Duration: elapsed})
}

func outcomeLabel(outcome types.Outcome) string {
	if outcome.Approved {
		return "approved"
	}
	if outcome.Reason == nil {
		return "rejected"
	}
	return string(outcome.Reason.Kind)
}
