package walletconnect

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ipfs-force-community/sophon-connect/negotiator"
	"github.com/ipfs-force-community/sophon-connect/types"
)

// ApprovePending accepts a proposal for account, the active account when empty. chainID picks the chain of a
// v1 session, zero keeps the proposed one.
func (m *Manager) ApprovePending(ctx context.Context, id, account string, chainID uint64) (*types.Session, error) {
	if account == "" {
		m.lk.Lock()
		account = m.activeAccount
		m.lk.Unlock()
		if account == "" {
			return nil, ErrNoActiveAccount
		}
	}
	session, err := m.negotiator.Approve(ctx, id, negotiator.ApproveOptions{Account: account, ChainID: chainID})
	if err != nil && errors.Is(err, types.ErrTransport) {
		m.publish(&types.UIEvent{Kind: types.UIError, Error: err.Error(), Retryable: true})
	}
	return session, err
}

func (m *Manager) RejectPending(ctx context.Context, id string) error {
	err := m.negotiator.Reject(ctx, id, "rejected by user")
	if err != nil && errors.Is(err, types.ErrTransport) {
		log.Warnf("reject pending %s: %v", id, err)
	}
	return err
}

// DismissPending is the close-without-action path of the proposal prompt.
func (m *Manager) DismissPending(ctx context.Context, id string) error {
	return m.negotiator.Dismiss(ctx, id)
}

// ApproveRequest signs or sends the current request and answers the dapp with the result. A request that is
// not current, or already being settled, is left alone and an empty result returned. A request settled by
// another action while it was being signed yields an ErrDoubleSettle error.
func (m *Manager) ApproveRequest(ctx context.Context, id string) (string, error) {
	req := m.queue.Current()
	if req == nil || req.InternalID != id || !m.queue.Confirm(id) {
		log.Warnw("ignore approve", "id", id, "err", types.ErrDoubleSettle)
		return "", nil
	}

	m.lk.Lock()
	result, signed := m.signed[id]
	m.lk.Unlock()
	if !signed {
		var err error
		result, err = m.sign(ctx, req)
		if err != nil {
			log.Errorf("sign request %s: %v", id, err)
			m.publish(&types.UIEvent{Kind: types.UIError, Error: err.Error()})
			if _, serr := m.queue.Settle(ctx, id, types.Rejected(types.RejectSignFailed, err.Error())); serr != nil {
				log.Errorf("reject request %s after sign failure: %v", id, serr)
			}
			return "", errors.Wrapf(err, "sign request %s", id)
		}
		m.lk.Lock()
		m.signed[id] = result
		m.lk.Unlock()
	}

	ok, err := m.queue.Settle(ctx, id, types.Approved(result))
	if err != nil {
		m.publish(&types.UIEvent{Kind: types.UIError, Error: err.Error(), Retryable: true})
		return "", err
	}
	if !ok {
		// settled by another action while signing, the dapp never sees this result
		if cur := m.queue.Current(); cur == nil || cur.InternalID != id {
			m.lk.Lock()
			delete(m.signed, id)
			m.lk.Unlock()
		}
		err := types.NewError(types.ErrDoubleSettle, "approve request", errors.Errorf("request %s settled while signing", id))
		log.Warnw("drop signed result", "id", id, "type", req.Type, "err", err)
		m.publish(&types.UIEvent{Kind: types.UIError, Error: err.Error()})
		return "", err
	}
	return result, nil
}

func (m *Manager) sign(ctx context.Context, req *types.WalletRequest) (string, error) {
	if m.signer == nil {
		return "", errors.New("no signer configured")
	}
	if req.IsTransaction() {
		return m.signer.SendTransaction(ctx, &types.SendTxRequest{
			Account:     req.Account,
			ChainID:     req.ChainID,
			Transaction: req.Transaction,
		})
	}
	return m.signer.SignMessage(ctx, &types.SignRequest{
		Account: req.Account,
		ChainID: req.ChainID,
		Type:    req.Type,
		Message: req.Message,
	})
}

// RejectRequest is the explicit reject button. A dismissal racing it is then ignored.
func (m *Manager) RejectRequest(ctx context.Context, id string) error {
	m.queue.Confirm(id)
	_, err := m.queue.Settle(ctx, id, types.Rejected(types.RejectUserRejected, "rejected by user"))
	if err != nil {
		m.publish(&types.UIEvent{Kind: types.UIError, Error: err.Error(), Retryable: true})
	}
	return err
}

// DismissRequest closes the prompt without a decision, an implicit rejection unless a decision already fired.
func (m *Manager) DismissRequest(ctx context.Context, id string) error {
	_, err := m.queue.Dismiss(ctx, id)
	return err
}
