package testhelper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs-force-community/sophon-connect/adapter"
	"github.com/ipfs-force-community/sophon-connect/requestqueue"
	"github.com/ipfs-force-community/sophon-connect/types"
)

var _ adapter.Adapter = (*MockAdapter)(nil)

type Response struct {
	RequestID string
	Outcome   types.Outcome
}

// MockAdapter records every wire call instead of talking to a bridge or relay.
type MockAdapter struct {
	lk      sync.Mutex
	version types.Version
	policy  requestqueue.BusyPolicy
	sink    adapter.EventSink

	paired       []*types.PairingURI
	approved     []adapter.ApproveParams
	rejected     []string
	responses    []Response
	updated      []*types.Session
	disconnected []string
	restored     []*types.Session

	failApprove error
	failRespond error
	failPair    error
	// AutoPropose makes Pair emit a proposal for the uri topic
	AutoPropose bool
}

func NewMockAdapter(version types.Version, policy requestqueue.BusyPolicy) *MockAdapter {
	return &MockAdapter{version: version, policy: policy}
}

func (m *MockAdapter) SetFail(approve, respond, pair error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.failApprove, m.failRespond, m.failPair = approve, respond, pair
}

func (m *MockAdapter) Version() types.Version { return m.version }

func (m *MockAdapter) BusyPolicy() requestqueue.BusyPolicy { return m.policy }

func (m *MockAdapter) Listen(sink adapter.EventSink) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.sink = sink
}

// Emit publishes an event as if it came off the wire.
func (m *MockAdapter) Emit(event adapter.Event) {
	m.lk.Lock()
	sink := m.sink
	m.lk.Unlock()
	if sink != nil {
		sink.Publish(event)
	}
}

func (m *MockAdapter) Pair(_ context.Context, uri *types.PairingURI) error {
	m.lk.Lock()
	if m.failPair != nil {
		err := m.failPair
		m.lk.Unlock()
		return types.Transport("pair", err)
	}
	m.paired = append(m.paired, uri)
	auto := m.AutoPropose
	m.lk.Unlock()

	if auto {
		m.Emit(&adapter.ProposalEvent{Pending: NewPending(m.version, uri.Topic, 1), PairingTopic: uri.Topic})
	}
	return nil
}

func (m *MockAdapter) ApproveSession(_ context.Context, pending *types.PendingSession, params adapter.ApproveParams) (*types.Session, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.failApprove != nil {
		return nil, types.Transport("approve session", m.failApprove)
	}
	m.approved = append(m.approved, params)

	session := &types.Session{
		ID:         pending.ID,
		Version:    m.version,
		Account:    params.Account,
		Dapp:       pending.Dapp,
		Namespaces: params.Namespaces,
		Transport:  &types.TransportState{Topic: pending.ID},
		CreateTime: time.Now(),
	}
	if m.version == types.V1 {
		session.Chains = []uint64{params.ChainID}
		session.Dapp.ChainID = params.ChainID
		session.Namespaces = nil
	} else {
		for _, ns := range params.Namespaces {
			for _, c := range ns.Chains {
				id, err := types.ParseCAIP2(c)
				if err != nil {
					return nil, err
				}
				session.Chains = append(session.Chains, id)
			}
		}
	}
	return session, nil
}

func (m *MockAdapter) RejectSession(_ context.Context, pending *types.PendingSession, _ string) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.rejected = append(m.rejected, pending.ID)
	return nil
}

func (m *MockAdapter) Respond(_ context.Context, req *types.WalletRequest, outcome types.Outcome) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.failRespond != nil {
		return types.Transport("respond", m.failRespond)
	}
	m.responses = append(m.responses, Response{RequestID: req.InternalID, Outcome: outcome})
	return nil
}

func (m *MockAdapter) UpdateSession(_ context.Context, session *types.Session) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.updated = append(m.updated, session.Clone())
	return nil
}

func (m *MockAdapter) Disconnect(_ context.Context, session *types.Session, _ string) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.disconnected = append(m.disconnected, session.ID)
	return nil
}

func (m *MockAdapter) Restore(_ context.Context, sessions []*types.Session) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.restored = append(m.restored, sessions...)
	return nil
}

func (m *MockAdapter) Close() error { return nil }

// ResponsesFor returns the responses sent for one request.
func (m *MockAdapter) ResponsesFor(id string) []Response {
	m.lk.Lock()
	defer m.lk.Unlock()
	var out []Response
	for _, r := range m.responses {
		if r.RequestID == id {
			out = append(out, r)
		}
	}
	return out
}

// Calls is a copy of what the adapter recorded so far.
type Calls struct {
	Paired       []*types.PairingURI
	Approved     []adapter.ApproveParams
	Rejected     []string
	Responses    []Response
	Updated      []*types.Session
	Disconnected []string
	Restored     []*types.Session
}

func (m *MockAdapter) Calls() Calls {
	m.lk.Lock()
	defer m.lk.Unlock()
	return Calls{
		Paired:       append([]*types.PairingURI(nil), m.paired...),
		Approved:     append([]adapter.ApproveParams(nil), m.approved...),
		Rejected:     append([]string(nil), m.rejected...),
		Responses:    append([]Response(nil), m.responses...),
		Updated:      append([]*types.Session(nil), m.updated...),
		Disconnected: append([]string(nil), m.disconnected...),
		Restored:     append([]*types.Session(nil), m.restored...),
	}
}

// NewPending builds a proposal, v1 proposals carry a single chain.
func NewPending(version types.Version, id string, chains ...uint64) *types.PendingSession {
	p := &types.PendingSession{
		ID:      id,
		Version: version,
		Dapp:    types.DappInfo{Name: "dapp " + id, URL: fmt.Sprintf("https://%s.example.org", id)},
	}
	if version == types.V1 {
		if len(chains) > 0 {
			p.ChainID = chains[0]
		}
		return p
	}
	p.Chains = chains
	ns := types.Namespace{Methods: []string{string(types.PersonalSign)}, Events: []string{"chainChanged"}}
	for _, c := range chains {
		ns.Chains = append(ns.Chains, types.CAIP2(c))
	}
	p.RequiredNamespaces = types.Namespaces{"eip155": ns}
	return p
}

// NewRequest builds a request on session, transaction methods carry a transaction payload.
func NewRequest(version types.Version, id, session, account string, method types.RequestType) *types.WalletRequest {
	req := &types.WalletRequest{
		InternalID: id,
		SessionID:  session,
		Version:    version,
		Account:    account,
		ChainID:    1,
		Type:       method,
		CreateTime: time.Now(),
	}
	if method.IsTransaction() {
		req.Transaction = &types.TxPayload{From: account, To: "0x0000000000000000000000000000000000000001", Value: "0x1"}
	} else {
		req.Message = &types.SignPayload{Message: "hello", RawMessage: "0x68656c6c6f"}
	}
	return req
}
