package walletconnect

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/sophon-connect/adapter"
	"github.com/ipfs-force-community/sophon-connect/requestqueue"
	"github.com/ipfs-force-community/sophon-connect/sessionstore"
	"github.com/ipfs-force-community/sophon-connect/testhelper"
	"github.com/ipfs-force-community/sophon-connect/types"
)

var (
	testKey = strings.Repeat("ab", 32)
	v1URI   = "wc:abc@1?bridge=https%3A%2F%2Fbridge.example.org&key=" + testKey
	v2URI   = "wc:7f6e5d@2?relay-protocol=irn&symKey=" + testKey
)

type env struct {
	m       *Manager
	v1      *testhelper.MockAdapter
	v2      *testhelper.MockAdapter
	signer  *testhelper.MemSigner
	account string
}

func setup(t *testing.T, pairingTimeout time.Duration) *env {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	v1 := testhelper.NewMockAdapter(types.V1, requestqueue.BusyReject)
	v1.AutoPropose = true
	v2 := testhelper.NewMockAdapter(types.V2, requestqueue.BusyQueue)
	signer := testhelper.NewMemSigner()
	account, err := signer.AddKey()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PairingTimeout = pairingTimeout
	cfg.Queue = &requestqueue.Config{RequestTimeout: time.Minute, ClearInterval: time.Second, MaxBacklog: 4}
	m := New(ctx, cfg, adapter.NewRegistry(v1, v2), sessionstore.NewStore(nil), signer, nil)
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { _ = m.Close() })

	return &env{m: m, v1: v1, v2: v2, signer: signer, account: account}
}

func (e *env) waitPending(t *testing.T, id string) *types.PendingSession {
	var pending *types.PendingSession
	require.Eventually(t, func() bool {
		p, ok := e.m.negotiator.Get(id)
		pending = p
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	return pending
}

func (e *env) waitCurrent(t *testing.T, id string) {
	require.Eventually(t, func() bool {
		req, _ := e.m.CurrentRequest(context.Background())
		return req != nil && req.InternalID == id
	}, 5*time.Second, 10*time.Millisecond)
}

// connect pairs a v1 dapp and approves it for account.
func (e *env) connect(t *testing.T, account string) *types.Session {
	ctx := context.Background()
	require.NoError(t, e.m.Pair(ctx, v1URI))
	e.waitPending(t, "abc")
	session, err := e.m.ApprovePending(ctx, "abc", account, 0)
	require.NoError(t, err)
	return session
}

func waitUIEvent(t *testing.T, ch <-chan *types.UIEvent, kind types.UIEventKind) *types.UIEvent {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event := <-ch:
			if event.Kind == kind {
				return event
			}
		case <-timeout:
			t.Fatalf("no %s ui event", kind)
			return nil
		}
	}
}

func TestPairAndApproveV1(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()

	uiCtx, uiCancel := context.WithCancel(ctx)
	defer uiCancel()
	events, err := e.m.ListenUIEvent(uiCtx)
	require.NoError(t, err)
	require.Equal(t, types.UIScanState, (<-events).Kind)

	require.NoError(t, e.m.Pair(ctx, v1URI))
	pending := e.waitPending(t, "abc")
	require.Equal(t, types.V1, pending.Version)
	require.Equal(t, uint64(1), pending.ChainID)

	shown := waitUIEvent(t, events, types.UIPendingSession)
	require.Equal(t, "abc", shown.Pending.ID)

	state, err := e.m.ScanState(ctx)
	require.NoError(t, err)
	require.False(t, state.Frozen)
	require.False(t, state.ScanError)

	session, err := e.m.ApprovePending(ctx, "abc", e.account, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, session.Chains)

	sessions, err := e.m.ListSessions(ctx, e.account)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, types.V1, sessions[0].Version)
	require.Equal(t, []uint64{1}, sessions[0].Chains)

	waitUIEvent(t, events, types.UISessionsChanged)
	current, err := e.m.PendingSession(ctx)
	require.NoError(t, err)
	require.Nil(t, current)

	// a second approval of the same proposal is an anomaly, not an error
	again, err := e.m.ApprovePending(ctx, "abc", e.account, 0)
	require.NoError(t, err)
	require.Nil(t, again)
	require.Len(t, e.v1.Calls().Approved, 1)
}

func TestApprovePendingUsesActiveAccount(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()

	e.v2.Emit(&adapter.ProposalEvent{Pending: testhelper.NewPending(types.V2, "p1", 1, 137)})
	e.waitPending(t, "p1")

	_, err := e.m.ApprovePending(ctx, "p1", "", 0)
	require.ErrorIs(t, err, ErrNoActiveAccount)

	require.Error(t, e.m.SwitchAccount(ctx, "not-an-address"))
	require.NoError(t, e.m.SwitchAccount(ctx, strings.ToLower(e.account)))
	active, err := e.m.ActiveAccount(ctx)
	require.NoError(t, err)
	require.Equal(t, e.account, active)

	session, err := e.m.ApprovePending(ctx, "p1", "", 0)
	require.NoError(t, err)
	require.Equal(t, e.account, session.Account)
	require.Equal(t, []uint64{1, 137}, session.Chains)
}

func TestApprovePendingTransportError(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()

	e.v2.SetFail(errors.New("relay down"), nil, nil)
	e.v2.Emit(&adapter.ProposalEvent{Pending: testhelper.NewPending(types.V2, "p1", 1)})
	e.waitPending(t, "p1")

	_, err := e.m.ApprovePending(ctx, "p1", e.account, 0)
	require.ErrorIs(t, err, types.ErrTransport)

	pendings, err := e.m.ListPendingSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, pendings)
	all, err := e.m.ListAllSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestRejectAndDismissPending(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()

	e.v2.Emit(&adapter.ProposalEvent{Pending: testhelper.NewPending(types.V2, "p1", 1)})
	e.waitPending(t, "p1")

	require.NoError(t, e.m.RejectPending(ctx, "p1"))
	// dismissal after the explicit reject sends nothing more
	require.NoError(t, e.m.DismissPending(ctx, "p1"))
	require.Equal(t, []string{"p1"}, e.v2.Calls().Rejected)

	e.v2.Emit(&adapter.ProposalEvent{Pending: testhelper.NewPending(types.V2, "p2", 1)})
	e.waitPending(t, "p2")
	require.NoError(t, e.m.DismissPending(ctx, "p2"))
	require.Equal(t, []string{"p1", "p2"}, e.v2.Calls().Rejected)

	e.v2.Emit(&adapter.ProposalEvent{Pending: testhelper.NewPending(types.V2, "p3", 1)})
	e.waitPending(t, "p3")
	e.v2.Emit(&adapter.ProposalExpiredEvent{Version: types.V2, PendingID: "p3"})
	require.Eventually(t, func() bool {
		state, _ := e.m.negotiator.State("p3")
		return state == types.PendingExpired
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, e.v2.Calls().Rejected, 2)
}

func TestBusyRequestRejected(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	session := e.connect(t, e.account)

	e.v1.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V1, "r1", session.ID, e.account, types.PersonalSign)})
	e.waitCurrent(t, "r1")

	e.v1.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V1, "r2", session.ID, e.account, types.SendTransaction)})
	require.Eventually(t, func() bool {
		return len(e.v1.ResponsesFor("r2")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	resp := e.v1.ResponsesFor("r2")[0]
	require.False(t, resp.Outcome.Approved)
	require.Equal(t, types.RejectBusy, resp.Outcome.Reason.Kind)

	current, err := e.m.CurrentRequest(ctx)
	require.NoError(t, err)
	require.Equal(t, "r1", current.InternalID)
	require.Empty(t, e.v1.ResponsesFor("r1"))
}

func TestApproveRequest(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	session := e.connect(t, e.account)

	e.v1.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V1, "r1", session.ID, "", types.PersonalSign)})
	e.waitCurrent(t, "r1")
	current, _ := e.m.CurrentRequest(ctx)
	require.Equal(t, e.account, current.Account)
	require.Equal(t, session.Dapp, current.Dapp)

	sig, err := e.m.ApproveRequest(ctx, "r1")
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	responses := e.v1.ResponsesFor("r1")
	require.Len(t, responses, 1)
	require.True(t, responses[0].Outcome.Approved)
	require.Equal(t, sig, responses[0].Outcome.Result)

	// settled requests ignore every later command
	again, err := e.m.ApproveRequest(ctx, "r1")
	require.NoError(t, err)
	require.Empty(t, again)
	require.NoError(t, e.m.RejectRequest(ctx, "r1"))
	require.NoError(t, e.m.DismissRequest(ctx, "r1"))
	require.Len(t, e.v1.ResponsesFor("r1"), 1)
	require.Equal(t, 1, e.signer.Calls())
}

func TestApproveRequestSignFailure(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	session := e.connect(t, e.account)

	e.signer.SetFail(true)
	e.v1.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V1, "r1", session.ID, e.account, types.PersonalSign)})
	e.waitCurrent(t, "r1")

	_, err := e.m.ApproveRequest(ctx, "r1")
	require.Error(t, err)

	responses := e.v1.ResponsesFor("r1")
	require.Len(t, responses, 1)
	require.Equal(t, types.RejectSignFailed, responses[0].Outcome.Reason.Kind)
	current, _ := e.m.CurrentRequest(ctx)
	require.Nil(t, current)
}

func TestApproveRequestRetryAfterTransportError(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()

	e.v2.Emit(&adapter.ProposalEvent{Pending: testhelper.NewPending(types.V2, "p1", 1)})
	e.waitPending(t, "p1")
	session, err := e.m.ApprovePending(ctx, "p1", e.account, 0)
	require.NoError(t, err)

	e.v2.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V2, "7", session.ID, e.account, types.SendTransaction)})
	e.waitCurrent(t, "7")

	e.v2.SetFail(nil, errors.New("relay down"), nil)
	_, err = e.m.ApproveRequest(ctx, "7")
	require.ErrorIs(t, err, types.ErrTransport)
	current, _ := e.m.CurrentRequest(ctx)
	require.Equal(t, "7", current.InternalID)

	e.v2.SetFail(nil, nil, nil)
	hash, err := e.m.ApproveRequest(ctx, "7")
	require.NoError(t, err)
	require.NotEmpty(t, hash)
	// the transaction went out once
	require.Equal(t, 1, e.signer.Calls())
	require.Len(t, e.v2.ResponsesFor("7"), 1)
}

func TestRejectWhileSigning(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	session := e.connect(t, e.account)

	e.v1.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V1, "r1", session.ID, e.account, types.SendTransaction)})
	e.waitCurrent(t, "r1")

	e.signer.SetDelay(300 * time.Millisecond)
	type approveResult struct {
		hash string
		err  error
	}
	done := make(chan approveResult, 1)
	go func() {
		hash, err := e.m.ApproveRequest(ctx, "r1")
		done <- approveResult{hash: hash, err: err}
	}()
	require.Eventually(t, func() bool { return e.signer.Calls() == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, e.m.RejectRequest(ctx, "r1"))

	res := <-done
	require.ErrorIs(t, res.err, types.ErrDoubleSettle)
	require.Empty(t, res.hash)

	responses := e.v1.ResponsesFor("r1")
	require.Len(t, responses, 1)
	require.False(t, responses[0].Outcome.Approved)
	require.Equal(t, types.RejectUserRejected, responses[0].Outcome.Reason.Kind)

	e.m.lk.Lock()
	require.Empty(t, e.m.signed)
	e.m.lk.Unlock()
}

func TestRejectThenDismissRequest(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	session := e.connect(t, e.account)

	e.v1.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V1, "r1", session.ID, e.account, types.SignTypedDataV4)})
	e.waitCurrent(t, "r1")

	require.NoError(t, e.m.RejectRequest(ctx, "r1"))
	require.NoError(t, e.m.DismissRequest(ctx, "r1"))

	responses := e.v1.ResponsesFor("r1")
	require.Len(t, responses, 1)
	require.Equal(t, types.RejectUserRejected, responses[0].Outcome.Reason.Kind)

	e.v1.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V1, "r2", session.ID, e.account, types.EthSign)})
	e.waitCurrent(t, "r2")
	require.NoError(t, e.m.DismissRequest(ctx, "r2"))
	responses = e.v1.ResponsesFor("r2")
	require.Len(t, responses, 1)
	require.Equal(t, types.RejectUserRejected, responses[0].Outcome.Reason.Kind)
}

func TestRequestForUnknownSession(t *testing.T) {
	e := setup(t, time.Minute)

	e.v2.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V2, "9", "nope", e.account, types.PersonalSign)})
	require.Eventually(t, func() bool {
		return len(e.v2.ResponsesFor("9")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, types.RejectSessionClosed, e.v2.ResponsesFor("9")[0].Outcome.Reason.Kind)
	current, _ := e.m.CurrentRequest(context.Background())
	require.Nil(t, current)
}

func TestV1RequestBeforeApproval(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, e.m.Pair(ctx, v1URI))
	pending := e.waitPending(t, "abc")

	e.v1.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V1, "r1", "abc", e.account, types.PersonalSign)})
	e.waitCurrent(t, "r1")
	current, _ := e.m.CurrentRequest(ctx)
	require.Equal(t, pending.Dapp, current.Dapp)
}

func TestV1RequestClearedWithPending(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, e.m.Pair(ctx, v1URI))
	e.waitPending(t, "abc")
	e.v1.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V1, "r1", "abc", e.account, types.PersonalSign)})
	e.waitCurrent(t, "r1")

	require.NoError(t, e.m.RejectPending(ctx, "abc"))
	require.Eventually(t, func() bool {
		current, _ := e.m.CurrentRequest(ctx)
		return current == nil
	}, 5*time.Second, 10*time.Millisecond)
	responses := e.v1.ResponsesFor("r1")
	require.Len(t, responses, 1)
	require.Equal(t, types.RejectSessionClosed, responses[0].Outcome.Reason.Kind)

	// an expired proposal frees the slot the same way
	require.NoError(t, e.m.Pair(ctx, "wc:def@1?bridge=https%3A%2F%2Fbridge.example.org&key="+testKey))
	e.waitPending(t, "def")
	e.v1.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V1, "r2", "def", e.account, types.PersonalSign)})
	e.waitCurrent(t, "r2")

	e.v1.Emit(&adapter.ProposalExpiredEvent{Version: types.V1, PendingID: "def"})
	require.Eventually(t, func() bool {
		return len(e.v1.ResponsesFor("r2")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, types.RejectSessionClosed, e.v1.ResponsesFor("r2")[0].Outcome.Reason.Kind)
	current, _ := e.m.CurrentRequest(ctx)
	require.Nil(t, current)

	// the next request is no longer answered busy
	require.NoError(t, e.m.Pair(ctx, "wc:ghi@1?bridge=https%3A%2F%2Fbridge.example.org&key="+testKey))
	e.waitPending(t, "ghi")
	session, err := e.m.ApprovePending(ctx, "ghi", e.account, 0)
	require.NoError(t, err)
	e.v1.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V1, "r3", session.ID, e.account, types.PersonalSign)})
	e.waitCurrent(t, "r3")
	require.Empty(t, e.v1.ResponsesFor("r3"))
}

func TestInvalidURI(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()

	e.v2.Emit(&adapter.ProposalEvent{Pending: testhelper.NewPending(types.V2, "p1", 1)})
	e.waitPending(t, "p1")

	err := e.m.Pair(ctx, "definitely not a pairing uri")
	require.ErrorIs(t, err, types.ErrInvalidURI)

	state, _ := e.m.ScanState(ctx)
	require.False(t, state.Frozen)
	require.True(t, state.ScanError)
	pendings, _ := e.m.ListPendingSessions(ctx)
	require.Len(t, pendings, 1)
	require.Empty(t, e.v1.Calls().Paired)
	require.Empty(t, e.v2.Calls().Paired)

	// the next scan clears the flag
	require.NoError(t, e.m.Pair(ctx, v1URI))
	require.Eventually(t, func() bool {
		state, _ := e.m.ScanState(ctx)
		return !state.Frozen && !state.ScanError
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPairingTimeout(t *testing.T) {
	e := setup(t, 100*time.Millisecond)
	ctx := context.Background()

	e.v2.Emit(&adapter.ProposalEvent{Pending: testhelper.NewPending(types.V2, "p1", 1)})
	e.waitPending(t, "p1")

	uiCtx, uiCancel := context.WithCancel(ctx)
	defer uiCancel()
	events, err := e.m.ListenUIEvent(uiCtx)
	require.NoError(t, err)

	require.NoError(t, e.m.Pair(ctx, v2URI))
	state, _ := e.m.ScanState(ctx)
	require.True(t, state.Frozen)

	failure := waitUIEvent(t, events, types.UIError)
	require.True(t, failure.Retryable)
	require.Contains(t, failure.Error, types.ErrTimeout.Error())

	state, _ = e.m.ScanState(ctx)
	require.False(t, state.Frozen)
	require.True(t, state.ScanError)
	pending, ok := e.m.negotiator.Get("p1")
	require.True(t, ok)
	require.Equal(t, types.PendingReceived, pending.State)

	require.NoError(t, e.m.DismissScanError(ctx))
	state, _ = e.m.ScanState(ctx)
	require.False(t, state.ScanError)

	// a late proposal still lands, the scanner is already released
	e.v2.Emit(&adapter.ProposalEvent{Pending: testhelper.NewPending(types.V2, "7f6e5d", 1)})
	e.waitPending(t, "7f6e5d")
}

func TestPairingFailedEvent(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, e.m.Pair(ctx, v2URI))
	e.v2.Emit(&adapter.PairingFailedEvent{Version: types.V2, Topic: "7f6e5d", Err: types.Transport("subscribe", errors.New("relay down"))})
	require.Eventually(t, func() bool {
		state, _ := e.m.ScanState(ctx)
		return !state.Frozen && state.ScanError
	}, 5*time.Second, 10*time.Millisecond)

	e.v2.SetFail(nil, nil, errors.New("dial relay"))
	err := e.m.Pair(ctx, v2URI)
	require.ErrorIs(t, err, types.ErrTransport)
	state, _ := e.m.ScanState(ctx)
	require.True(t, state.ScanError)
}

func TestUnrelatedProposalKeepsPairing(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, e.m.Pair(ctx, v2URI))
	e.v2.Emit(&adapter.ProposalEvent{Pending: testhelper.NewPending(types.V2, "p1", 1), PairingTopic: "1a2b3c"})
	e.waitPending(t, "p1")
	state, _ := e.m.ScanState(ctx)
	require.True(t, state.Frozen)

	e.v2.Emit(&adapter.ProposalEvent{Pending: testhelper.NewPending(types.V2, "p2", 1), PairingTopic: "7f6e5d"})
	e.waitPending(t, "p2")
	require.Eventually(t, func() bool {
		state, _ := e.m.ScanState(ctx)
		return !state.Frozen && !state.ScanError
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDappDeletesSession(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	session := e.connect(t, e.account)

	e.v1.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V1, "r1", session.ID, e.account, types.PersonalSign)})
	e.waitCurrent(t, "r1")

	e.v1.Emit(&adapter.SessionDeletedEvent{Version: types.V1, SessionID: session.ID, Reason: "dapp closed"})
	require.Eventually(t, func() bool {
		sessions, _ := e.m.ListSessions(ctx, e.account)
		return len(sessions) == 0
	}, 5*time.Second, 10*time.Millisecond)

	responses := e.v1.ResponsesFor("r1")
	require.Len(t, responses, 1)
	require.Equal(t, types.RejectSessionClosed, responses[0].Outcome.Reason.Kind)
	current, _ := e.m.CurrentRequest(ctx)
	require.Nil(t, current)
	require.Empty(t, e.v1.Calls().Disconnected)
}

func TestDisconnect(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	session := e.connect(t, e.account)

	require.Error(t, e.m.Disconnect(ctx, e.account, "missing"))
	require.NoError(t, e.m.Disconnect(ctx, e.account, session.ID))
	require.Equal(t, []string{session.ID}, e.v1.Calls().Disconnected)
	sessions, _ := e.m.ListSessions(ctx, e.account)
	require.Empty(t, sessions)
}

func TestSwitchChain(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	session := e.connect(t, e.account)

	_, err := e.m.SwitchChain(ctx, e.account, session.ID, 999)
	require.Error(t, err)

	updated, err := e.m.SwitchChain(ctx, e.account, session.ID, 56)
	require.NoError(t, err)
	require.Equal(t, []uint64{56}, updated.Chains)
	require.Equal(t, uint64(56), updated.Dapp.ChainID)

	calls := e.v1.Calls()
	require.Len(t, calls.Updated, 1)
	require.Equal(t, []uint64{56}, calls.Updated[0].Chains)
}

func TestRemoveAccount(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()
	other, err := e.signer.AddKey()
	require.NoError(t, err)

	for i, account := range []string{e.account, e.account, other} {
		id := []string{"p1", "p2", "p3"}[i]
		e.v2.Emit(&adapter.ProposalEvent{Pending: testhelper.NewPending(types.V2, id, 1)})
		e.waitPending(t, id)
		_, err := e.m.ApprovePending(ctx, id, account, 0)
		require.NoError(t, err)
	}
	require.NoError(t, e.m.SwitchAccount(ctx, e.account))

	e.v2.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V2, "1", "p2", e.account, types.PersonalSign)})
	e.waitCurrent(t, "1")

	require.NoError(t, e.m.RemoveAccount(ctx, e.account))

	sessions, _ := e.m.ListSessions(ctx, e.account)
	require.Empty(t, sessions)
	sessions, _ = e.m.ListSessions(ctx, other)
	require.Len(t, sessions, 1)
	require.Equal(t, "p3", sessions[0].ID)

	require.ElementsMatch(t, []string{"p1", "p2"}, e.v2.Calls().Disconnected)
	responses := e.v2.ResponsesFor("1")
	require.Len(t, responses, 1)
	require.Equal(t, types.RejectSessionClosed, responses[0].Outcome.Reason.Kind)

	active, _ := e.m.ActiveAccount(ctx)
	require.Empty(t, active)
}

func TestQueuedRequestsPromoted(t *testing.T) {
	e := setup(t, time.Minute)
	ctx := context.Background()

	e.v2.Emit(&adapter.ProposalEvent{Pending: testhelper.NewPending(types.V2, "p1", 1)})
	e.waitPending(t, "p1")
	session, err := e.m.ApprovePending(ctx, "p1", e.account, 0)
	require.NoError(t, err)

	for _, id := range []string{"1", "2"} {
		e.v2.Emit(&adapter.RequestEvent{Request: testhelper.NewRequest(types.V2, id, session.ID, e.account, types.PersonalSign)})
	}
	e.waitCurrent(t, "1")
	require.Eventually(t, func() bool { return len(e.m.queue.Backlog()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.m.RejectRequest(ctx, "1"))
	e.waitCurrent(t, "2")
	require.Empty(t, e.v2.ResponsesFor("2"))
}
