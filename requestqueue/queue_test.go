package requestqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/sophon-connect/types"
)

type response struct {
	id      string
	outcome types.Outcome
}

type mockResponder struct {
	lk        sync.Mutex
	policy    BusyPolicy
	responses []response
	fail      error
}

func (m *mockResponder) BusyPolicy(types.Version) BusyPolicy {
	return m.policy
}

func (m *mockResponder) Respond(_ context.Context, req *types.WalletRequest, outcome types.Outcome) error {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.responses = append(m.responses, response{id: req.InternalID, outcome: outcome})
	return nil
}

func (m *mockResponder) setFail(err error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.fail = err
}

func (m *mockResponder) all() []response {
	m.lk.Lock()
	defer m.lk.Unlock()
	return append([]response(nil), m.responses...)
}

func (m *mockResponder) count(id string) int {
	var n int
	for _, r := range m.all() {
		if r.id == id {
			n++
		}
	}
	return n
}

func newRequest(id, session string, method types.RequestType) *types.WalletRequest {
	req := &types.WalletRequest{
		InternalID: id,
		SessionID:  session,
		Version:    types.V2,
		Account:    "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		ChainID:    1,
		Type:       method,
		CreateTime: time.Now(),
	}
	if method.IsTransaction() {
		req.Transaction = &types.TxPayload{From: req.Account, To: "0x0000000000000000000000000000000000000001", Value: "0x1"}
	} else {
		req.Message = &types.SignPayload{Message: "hello", RawMessage: "0x68656c6c6f"}
	}
	return req
}

func setupQueue(t *testing.T, policy BusyPolicy) (*Queue, *mockResponder) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	responder := &mockResponder{policy: policy}
	return NewQueue(ctx, &Config{MaxBacklog: 4}, responder, Hooks{}), responder
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("busy reject keeps the first current", func(t *testing.T) {
		q, responder := setupQueue(t, BusyReject)
		res, err := q.Submit(ctx, newRequest("1", "s", types.PersonalSign))
		require.NoError(t, err)
		require.Equal(t, SubmitCurrent, res)

		res, err = q.Submit(ctx, newRequest("2", "s", types.SendTransaction))
		require.NoError(t, err)
		require.Equal(t, SubmitRejectedBusy, res)
		require.Equal(t, "1", q.Current().InternalID)

		resps := responder.all()
		require.Len(t, resps, 1)
		require.Equal(t, "2", resps[0].id)
		require.Equal(t, types.RejectBusy, resps[0].outcome.Reason.Kind)
	})

	t.Run("queue policy holds and promotes", func(t *testing.T) {
		q, responder := setupQueue(t, BusyQueue)
		var currents []string
		q.hooks.OnCurrent = func(req *types.WalletRequest) { currents = append(currents, req.InternalID) }

		for _, id := range []string{"1", "2", "3"} {
			_, err := q.Submit(ctx, newRequest(id, "s", types.PersonalSign))
			require.NoError(t, err)
		}
		require.Equal(t, "1", q.Current().InternalID)
		require.Len(t, q.Backlog(), 2)
		require.Empty(t, responder.all())

		ok, err := q.Settle(ctx, "1", types.Approved("0xsig"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "2", q.Current().InternalID)
		require.Equal(t, []string{"1", "2"}, currents)
	})

	t.Run("backlog full answers busy", func(t *testing.T) {
		q, responder := setupQueue(t, BusyQueue)
		for i := 0; i < 6; i++ {
			_, err := q.Submit(ctx, newRequest(fmt.Sprint(i), "s", types.PersonalSign))
			require.NoError(t, err)
		}
		require.Len(t, q.Backlog(), 4)
		require.Equal(t, 1, responder.count("5"))
	})

	t.Run("duplicate", func(t *testing.T) {
		q, _ := setupQueue(t, BusyReject)
		_, err := q.Submit(ctx, newRequest("1", "s", types.PersonalSign))
		require.NoError(t, err)
		res, err := q.Submit(ctx, newRequest("1", "s", types.PersonalSign))
		require.NoError(t, err)
		require.Equal(t, SubmitDuplicate, res)
	})

	t.Run("invalid request", func(t *testing.T) {
		q, _ := setupQueue(t, BusyReject)
		req := newRequest("1", "s", types.PersonalSign)
		req.Transaction = &types.TxPayload{}
		_, err := q.Submit(ctx, req)
		require.Error(t, err)
		require.Nil(t, q.Current())
	})
}

func TestSingleActiveRequest(t *testing.T) {
	ctx := context.Background()
	q, responder := setupQueue(t, BusyReject)

	var wg sync.WaitGroup
	results := make(chan SubmitResult, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := q.Submit(ctx, newRequest(fmt.Sprint(i), "s", types.PersonalSign))
			require.NoError(t, err)
			results <- res
		}(i)
	}
	wg.Wait()
	close(results)

	var current int
	for res := range results {
		if res == SubmitCurrent {
			current++
		}
	}
	require.Equal(t, 1, current)
	require.Len(t, responder.all(), 19)
	require.Equal(t, 0, responder.count(q.Current().InternalID))
}

func TestSettle(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent", func(t *testing.T) {
		q, responder := setupQueue(t, BusyReject)
		var settled int
		q.hooks.OnSettled = func(*types.WalletRequest, types.Outcome, time.Duration) { settled++ }
		_, err := q.Submit(ctx, newRequest("1", "s", types.PersonalSign))
		require.NoError(t, err)

		ok, err := q.Settle(ctx, "1", types.Rejected(types.RejectUserRejected, "no"))
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = q.Settle(ctx, "1", types.Approved("0xsig"))
		require.NoError(t, err)
		require.False(t, ok)

		resps := responder.all()
		require.Len(t, resps, 1)
		require.False(t, resps[0].outcome.Approved)
		require.Equal(t, 1, settled)
		require.Nil(t, q.Current())
	})

	t.Run("not current is a no-op", func(t *testing.T) {
		q, responder := setupQueue(t, BusyQueue)
		_, _ = q.Submit(ctx, newRequest("1", "s", types.PersonalSign))
		_, _ = q.Submit(ctx, newRequest("2", "s", types.PersonalSign))
		ok, err := q.Settle(ctx, "2", types.Approved("0xsig"))
		require.NoError(t, err)
		require.False(t, ok)
		ok, err = q.Settle(ctx, "unknown", types.Approved("0xsig"))
		require.NoError(t, err)
		require.False(t, ok)
		require.Empty(t, responder.all())
	})

	t.Run("transport failure leaves request current", func(t *testing.T) {
		q, responder := setupQueue(t, BusyReject)
		_, _ = q.Submit(ctx, newRequest("1", "s", types.PersonalSign))
		responder.setFail(errors.New("socket closed"))

		ok, err := q.Settle(ctx, "1", types.Approved("0xsig"))
		require.False(t, ok)
		require.True(t, errors.Is(err, types.ErrTransport))
		require.Equal(t, "1", q.Current().InternalID)

		responder.setFail(nil)
		ok, err = q.Settle(ctx, "1", types.Approved("0xsig"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, 1, responder.count("1"))
	})

	t.Run("concurrent settle sends once", func(t *testing.T) {
		q, responder := setupQueue(t, BusyReject)
		_, _ = q.Submit(ctx, newRequest("1", "s", types.PersonalSign))

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = q.Settle(ctx, "1", types.Approved("0xsig"))
			}()
		}
		wg.Wait()
		require.Equal(t, 1, responder.count("1"))
	})
}

func TestDismiss(t *testing.T) {
	ctx := context.Background()

	t.Run("implicit reject", func(t *testing.T) {
		q, responder := setupQueue(t, BusyReject)
		_, _ = q.Submit(ctx, newRequest("1", "s", types.PersonalSign))
		ok, err := q.Dismiss(ctx, "1")
		require.NoError(t, err)
		require.True(t, ok)
		resps := responder.all()
		require.Len(t, resps, 1)
		require.Equal(t, types.RejectUserRejected, resps[0].outcome.Reason.Kind)
	})

	t.Run("reject then dismiss sends once", func(t *testing.T) {
		q, responder := setupQueue(t, BusyReject)
		_, _ = q.Submit(ctx, newRequest("1", "s", types.PersonalSign))
		_, err := q.Settle(ctx, "1", types.Rejected(types.RejectUserRejected, "rejected"))
		require.NoError(t, err)
		ok, err := q.Dismiss(ctx, "1")
		require.NoError(t, err)
		require.False(t, ok)
		require.Equal(t, 1, responder.count("1"))
	})

	t.Run("confirmed request ignores dismissal", func(t *testing.T) {
		q, responder := setupQueue(t, BusyReject)
		_, _ = q.Submit(ctx, newRequest("1", "s", types.PersonalSign))
		require.True(t, q.Confirm("1"))
		ok, err := q.Dismiss(ctx, "1")
		require.NoError(t, err)
		require.False(t, ok)
		require.Empty(t, responder.all())

		_, err = q.Settle(ctx, "1", types.Approved("0xsig"))
		require.NoError(t, err)
		require.True(t, responder.all()[0].outcome.Approved)
	})
}

func TestClear(t *testing.T) {
	ctx := context.Background()

	t.Run("clear session", func(t *testing.T) {
		q, responder := setupQueue(t, BusyQueue)
		_, _ = q.Submit(ctx, newRequest("1", "a", types.PersonalSign))
		_, _ = q.Submit(ctx, newRequest("2", "b", types.PersonalSign))
		_, _ = q.Submit(ctx, newRequest("3", "a", types.PersonalSign))

		require.NoError(t, q.ClearSession(ctx, "a"))
		require.Equal(t, "2", q.Current().InternalID)
		require.Empty(t, q.Backlog())
		require.Equal(t, 1, responder.count("1"))
		require.Equal(t, 1, responder.count("3"))
		require.Equal(t, 0, responder.count("2"))
		for _, r := range responder.all() {
			require.Equal(t, types.RejectSessionClosed, r.outcome.Reason.Kind)
		}
	})

	t.Run("clear all", func(t *testing.T) {
		q, responder := setupQueue(t, BusyQueue)
		_, _ = q.Submit(ctx, newRequest("1", "a", types.PersonalSign))
		_, _ = q.Submit(ctx, newRequest("2", "b", types.PersonalSign))
		require.NoError(t, q.Clear(ctx))
		require.Nil(t, q.Current())
		require.Len(t, responder.all(), 2)
	})

	t.Run("clear frees the slot even when the wire is gone", func(t *testing.T) {
		q, responder := setupQueue(t, BusyReject)
		_, _ = q.Submit(ctx, newRequest("1", "a", types.PersonalSign))
		responder.setFail(errors.New("relay down"))
		require.Error(t, q.ClearSession(ctx, "a"))
		require.Nil(t, q.Current())
	})
}

func TestRequestTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	responder := &mockResponder{policy: BusyQueue}
	q := NewQueue(ctx, &Config{RequestTimeout: 100 * time.Millisecond, ClearInterval: 20 * time.Millisecond, MaxBacklog: 4},
		responder, Hooks{})

	_, _ = q.Submit(ctx, newRequest("1", "s", types.PersonalSign))
	_, _ = q.Submit(ctx, newRequest("2", "s", types.PersonalSign))

	require.Eventually(t, func() bool {
		return responder.count("1") == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, types.RejectTimeout, responder.all()[0].outcome.Reason.Kind)
	require.Equal(t, "2", q.Current().InternalID)

	require.Eventually(t, func() bool {
		return responder.count("2") == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Nil(t, q.Current())
}
