package walletconnect

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ipfs-force-community/sophon-connect/negotiator"
	"github.com/ipfs-force-community/sophon-connect/types"
)

// Disconnect ends a session from the wallet side. The session is forgotten even when the dapp
// cannot be told, the wire failure is returned as a transport error.
func (m *Manager) Disconnect(ctx context.Context, account, id string) error {
	session, ok := m.store.GetSession(account, id)
	if !ok {
		return errors.Errorf("no session %s for account %s", id, account)
	}
	var wireErr error
	if a, err := m.registry.Get(session.Version); err != nil {
		wireErr = err
	} else if err := a.Disconnect(ctx, session, "user disconnected"); err != nil {
		wireErr = types.Transport("disconnect", err)
	}
	m.dropSession(ctx, session)
	if wireErr != nil {
		log.Warnf("disconnect session %s: %v", id, wireErr)
		m.publish(&types.UIEvent{Kind: types.UIError, Error: wireErr.Error(), Retryable: types.Retryable(wireErr)})
	}
	return wireErr
}

// SwitchChain moves a v1 session to another chain and tells the dapp. When the dapp cannot be told the
// session keeps its previous chain.
func (m *Manager) SwitchChain(ctx context.Context, account, id string, chainID uint64) (*types.Session, error) {
	supported := false
	for _, c := range m.negotiator.SupportedChains() {
		supported = supported || c == chainID
	}
	if !supported {
		return nil, errors.Wrapf(negotiator.ErrUnsupportedChain, "chain %d", chainID)
	}
	prev, ok := m.store.GetSession(account, id)
	if !ok {
		return nil, errors.Errorf("no session %s for account %s", id, account)
	}
	a, err := m.registry.Get(prev.Version)
	if err != nil {
		return nil, err
	}
	updated, err := m.store.SetActiveChain(ctx, account, id, chainID)
	if err != nil {
		return nil, err
	}
	if err := a.UpdateSession(ctx, updated); err != nil {
		if _, rerr := m.store.SetActiveChain(ctx, account, id, prev.Chains[0]); rerr != nil {
			log.Errorf("restore chain of session %s: %v", id, rerr)
		}
		err = types.Transport("switch chain", err)
		m.publish(&types.UIEvent{Kind: types.UIError, Error: err.Error(), Retryable: true})
		return nil, err
	}
	m.publish(&types.UIEvent{Kind: types.UISessionsChanged, Account: updated.Account})
	return updated, nil
}

// RemoveAccount tears down every session of a removed account, sessions of other accounts are untouched.
func (m *Manager) RemoveAccount(ctx context.Context, account string) error {
	sessions := m.store.ListSessions(account)
	var result error
	for _, session := range sessions {
		if a, err := m.registry.Get(session.Version); err != nil {
			result = multierr.Append(result, err)
		} else if err := a.Disconnect(ctx, session, "account removed"); err != nil {
			result = multierr.Append(result, types.Transport("disconnect", err))
		}
		if err := m.queue.ClearSession(ctx, session.ID); err != nil {
			log.Warnf("clear requests of session %s: %v", session.ID, err)
		}
	}
	removed, err := m.store.RemoveSessionsForAccount(ctx, account)
	if err != nil {
		result = multierr.Append(result, err)
	}

	m.lk.Lock()
	if types.SameAccount(m.activeAccount, account) {
		m.activeAccount = ""
	}
	m.lk.Unlock()

	for _, session := range removed {
		m.track(&types.LifecycleEvent{Kind: types.EventSessionDisconnect, Version: session.Version, SessionID: session.ID,
			Account: session.Account, Dapp: session.Dapp.URL})
	}
	m.publish(&types.UIEvent{Kind: types.UISessionsChanged, Account: account})
	log.Infof("account %s removed, %d sessions torn down", account, len(removed))
	if result != nil {
		log.Warnf("remove account %s: %v", account, result)
	}
	return result
}

// SwitchAccount changes the account new sessions are approved for. Existing sessions stay with their account.
func (m *Manager) SwitchAccount(_ context.Context, account string) error {
	if !common.IsHexAddress(account) {
		return errors.Errorf("invalid account %q", account)
	}
	account = common.HexToAddress(account).Hex()

	m.lk.Lock()
	prev := m.activeAccount
	m.activeAccount = account
	m.lk.Unlock()

	log.Infof("active account %s -> %s", prev, account)
	m.publish(&types.UIEvent{Kind: types.UIAccountSwitched, Account: account})
	return nil
}
