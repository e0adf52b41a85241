package walletconnect

import (
	"context"
	"time"

	"github.com/ipfs-force-community/sophon-connect/types"
)

// Pair starts a handshake from a scanned or pasted uri. The scanner stays frozen until the adapter
// produces a proposal, reports a failure, or the pairing timeout fires.
func (m *Manager) Pair(ctx context.Context, raw string) error {
	uri, err := types.ParseURI(raw)
	if err != nil {
		m.failScan(types.V1, "", m.supervisor.Begin(), err)
		return err
	}
	a, err := m.registry.Get(uri.Version)
	if err != nil {
		err = types.NewError(types.ErrInvalidURI, "pair", err)
		m.failScan(uri.Version, uri.Topic, m.supervisor.Begin(), err)
		return err
	}

	attempt := m.supervisor.Begin()
	m.lk.Lock()
	m.pairing = &pairAttempt{attempt: attempt, version: uri.Version, topic: uri.Topic, start: time.Now()}
	m.lk.Unlock()

	log.Infow("pair", "version", uri.Version, "topic", uri.Topic, "attempt", attempt)
	if err := a.Pair(ctx, uri); err != nil {
		m.failScan(uri.Version, uri.Topic, attempt, err)
		return err
	}
	return nil
}

// takePairing ends the guarded attempt when the proposal arrived on its topic, nil otherwise.
func (m *Manager) takePairing(version types.Version, topic string) *pairAttempt {
	m.lk.Lock()
	defer m.lk.Unlock()
	p := m.pairing
	if p == nil || p.version != version || p.topic != topic {
		return nil
	}
	m.pairing = nil
	return p
}

func (m *Manager) failScan(version types.Version, topic string, attempt uint64, err error) {
	m.lk.Lock()
	if m.pairing != nil && m.pairing.attempt == attempt {
		m.pairing = nil
	}
	m.lk.Unlock()

	if !m.supervisor.Fail(attempt, err) {
		return
	}
	m.publish(&types.UIEvent{Kind: types.UIError, Error: err.Error(), Retryable: types.Retryable(err)})
	m.track(&types.LifecycleEvent{Kind: types.EventPairingFailed, Version: version, SessionID: topic, Outcome: err.Error()})
}

func (m *Manager) onPairingTimeout(attempt uint64) {
	m.lk.Lock()
	p := m.pairing
	if p != nil && p.attempt == attempt {
		m.pairing = nil
	}
	m.lk.Unlock()

	err := types.NewError(types.ErrTimeout, "pair", nil)
	m.publish(&types.UIEvent{Kind: types.UIError, Error: err.Error(), Retryable: true})
	event := &types.LifecycleEvent{Kind: types.EventPairingFailed, Outcome: err.Error()}
	if p != nil {
		event.Version, event.SessionID, event.Duration = p.version, p.topic, time.Since(p.start)
	}
	m.track(event)
}

func (m *Manager) onScanState(state types.ScanState) {
	m.publish(&types.UIEvent{Kind: types.UIScanState, Scan: &state})
}
