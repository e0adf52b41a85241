package wcv1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/ipfs-force-community/sophon-connect/adapter"
	"github.com/ipfs-force-community/sophon-connect/types"
)

const testAccount = "0xAAAaAAaAaaAAAaaaAAaaAAaaAaaAaAaAAaAaAAAA"

type fakePeer struct {
	lk   sync.Mutex
	conn *websocket.Conn
}

func (p *fakePeer) send(msg *bridgeMessage) error {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.conn.WriteJSON(msg)
}

// fakeBridge routes pub frames to the latest subscriber of a topic and holds them until one shows up.
type fakeBridge struct {
	*httptest.Server

	lk       sync.Mutex
	subs     map[string]*fakePeer
	subCount map[string]int
	queued   map[string][]*bridgeMessage
}

func newFakeBridge(t *testing.T) *fakeBridge {
	fb := &fakeBridge{
		subs:     make(map[string]*fakePeer),
		subCount: make(map[string]int),
		queued:   make(map[string][]*bridgeMessage),
	}
	upgrader := websocket.Upgrader{}
	fb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.serve(&fakePeer{conn: conn})
	}))
	t.Cleanup(fb.Close)
	return fb
}

func (fb *fakeBridge) serve(peer *fakePeer) {
	defer peer.conn.Close() //nolint:errcheck
	for {
		var msg bridgeMessage
		if err := peer.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "sub":
			fb.lk.Lock()
			fb.subs[msg.Topic] = peer
			fb.subCount[msg.Topic]++
			queued := fb.queued[msg.Topic]
			delete(fb.queued, msg.Topic)
			fb.lk.Unlock()
			for _, m := range queued {
				fb.deliver(m)
			}
		case "pub":
			m := msg
			fb.deliver(&m)
		}
	}
}

func (fb *fakeBridge) deliver(msg *bridgeMessage) {
	fb.lk.Lock()
	peer, ok := fb.subs[msg.Topic]
	if !ok {
		fb.queued[msg.Topic] = append(fb.queued[msg.Topic], msg)
		fb.lk.Unlock()
		return
	}
	fb.lk.Unlock()
	if err := peer.send(msg); err != nil {
		fb.lk.Lock()
		fb.queued[msg.Topic] = append(fb.queued[msg.Topic], msg)
		fb.lk.Unlock()
	}
}

func (fb *fakeBridge) subscriptions(topic string) int {
	fb.lk.Lock()
	defer fb.lk.Unlock()
	return fb.subCount[topic]
}

// dappPeer plays the dapp side of a v1 session.
type dappPeer struct {
	t    *testing.T
	id   string
	key  []byte
	conn *websocket.Conn
	msgs chan gjson.Result
}

func dialDapp(t *testing.T, fb *fakeBridge, key []byte) *dappPeer {
	wsURL, err := websocketURL(fb.URL)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	d := &dappPeer{t: t, id: uuid.NewString(), key: key, conn: conn, msgs: make(chan gjson.Result, 16)}
	require.NoError(t, conn.WriteJSON(&bridgeMessage{Topic: d.id, Type: "sub", Silent: true}))
	go func() {
		for {
			var msg bridgeMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			plain, err := open(msg.Payload, d.key)
			if err != nil {
				continue
			}
			d.msgs <- gjson.ParseBytes(plain)
		}
	}()
	return d
}

func (d *dappPeer) publish(topic string, msg interface{}) {
	payload, err := seal(msg, d.key)
	require.NoError(d.t, err)
	require.NoError(d.t, d.conn.WriteJSON(&bridgeMessage{Topic: topic, Type: "pub", Payload: payload}))
}

func (d *dappPeer) next() gjson.Result {
	select {
	case msg := <-d.msgs:
		return msg
	case <-time.After(5 * time.Second):
		d.t.Fatal("dapp received nothing")
	}
	return gjson.Result{}
}

func (d *dappPeer) request(topic string, id int64, method string, params ...interface{}) {
	d.publish(topic, &rpcRequest{ID: id, JSONRPC: "2.0", Method: method, Params: params})
}

func listen(a *Adapter) chan adapter.Event {
	events := make(chan adapter.Event, 16)
	a.Listen(adapter.EventSinkFunc(func(e adapter.Event) { events <- e }))
	return events
}

func nextEvent(t *testing.T, events chan adapter.Event) adapter.Event {
	select {
	case e := <-events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("adapter emitted nothing")
	}
	return nil
}

func pairWithDapp(t *testing.T, a *Adapter, fb *fakeBridge, events chan adapter.Event) (*dappPeer, *types.PendingSession) {
	ctx := context.Background()
	key, err := randomBytes(32)
	require.NoError(t, err)
	topic := uuid.NewString()

	d := dialDapp(t, fb, key)
	require.NoError(t, a.Pair(ctx, &types.PairingURI{Version: types.V1, Topic: topic, Bridge: fb.URL, Key: key}))
	d.request(topic, 1, methodSessionRequest, &sessionRequestParams{
		PeerID:   d.id,
		PeerMeta: ClientMeta{Name: "uniswap", URL: "https://app.uniswap.org", Icons: []string{"https://app.uniswap.org/icon.png"}},
		ChainID:  json.RawMessage("56"),
	})

	proposal, ok := nextEvent(t, events).(*adapter.ProposalEvent)
	require.True(t, ok)
	return d, proposal.Pending
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBridge(t)
	a := New(Config{WalletMeta: ClientMeta{Name: "sophon"}}, nil)
	events := listen(a)

	d, pending := pairWithDapp(t, a, fb, events)
	require.Equal(t, d.id, pending.ID)
	require.Equal(t, types.V1, pending.Version)
	require.Equal(t, uint64(56), pending.ChainID)
	require.Equal(t, "uniswap", pending.Dapp.Name)
	require.Equal(t, "https://app.uniswap.org/icon.png", pending.Dapp.Icon)

	sess, err := a.ApproveSession(ctx, pending, adapter.ApproveParams{Account: testAccount, ChainID: 1})
	require.NoError(t, err)
	require.NoError(t, sess.Validate())
	require.Equal(t, []uint64{1}, sess.Chains)

	resp := d.next()
	require.Equal(t, int64(1), resp.Get("id").Int())
	require.True(t, resp.Get("result.approved").Bool())
	require.Equal(t, int64(1), resp.Get("result.chainId").Int())
	require.Equal(t, testAccount, resp.Get("result.accounts.0").String())
	require.Equal(t, "sophon", resp.Get("result.peerMeta.name").String())
	walletTopic := resp.Get("result.peerId").String()
	require.Equal(t, sess.Transport.SelfID, walletTopic)

	t.Run("request", func(t *testing.T) {
		d.request(walletTopic, 7, "personal_sign", "0x68656c6c6f", testAccount)
		ev, ok := nextEvent(t, events).(*adapter.RequestEvent)
		require.True(t, ok)
		req := ev.Request
		require.Equal(t, "7", req.InternalID)
		require.Equal(t, d.id, req.SessionID)
		require.Equal(t, testAccount, req.Account)
		require.Equal(t, uint64(1), req.ChainID)
		require.Equal(t, "hello", req.Message.Message)
		require.NoError(t, req.Validate())

		require.NoError(t, a.Respond(ctx, req, types.Approved("0xsig")))
		resp := d.next()
		require.Equal(t, int64(7), resp.Get("id").Int())
		require.Equal(t, "0xsig", resp.Get("result").String())
	})

	t.Run("rejected request", func(t *testing.T) {
		d.request(walletTopic, 8, "eth_sign", testAccount, "0x01")
		ev := nextEvent(t, events).(*adapter.RequestEvent)
		require.NoError(t, a.Respond(ctx, ev.Request, types.Rejected(types.RejectUserRejected, "")))
		resp := d.next()
		require.Equal(t, int64(codeUserRejected), resp.Get("error.code").Int())
	})

	t.Run("unsupported method", func(t *testing.T) {
		d.request(walletTopic, 9, "eth_getBalance", testAccount)
		resp := d.next()
		require.Equal(t, int64(9), resp.Get("id").Int())
		require.Equal(t, int64(codeMethodNotFound), resp.Get("error.code").Int())

		ev, ok := nextEvent(t, events).(*adapter.UnsupportedRequestEvent)
		require.True(t, ok)
		require.Equal(t, "eth_getBalance", ev.Method)
	})

	t.Run("invalid params", func(t *testing.T) {
		d.request(walletTopic, 10, "personal_sign")
		resp := d.next()
		require.Equal(t, int64(codeInvalidParams), resp.Get("error.code").Int())
	})

	t.Run("switch chain", func(t *testing.T) {
		updated := sess.Clone()
		updated.Chains = []uint64{137}
		require.NoError(t, a.UpdateSession(ctx, updated))
		msg := d.next()
		require.Equal(t, methodSessionUpdate, msg.Get("method").String())
		require.True(t, msg.Get("params.0.approved").Bool())
		require.Equal(t, int64(137), msg.Get("params.0.chainId").Int())
	})

	t.Run("restore", func(t *testing.T) {
		restored := New(Config{WalletMeta: ClientMeta{Name: "sophon"}}, nil)
		restoredEvents := listen(restored)
		defer restored.Close() //nolint:errcheck

		before := fb.subscriptions(walletTopic)
		require.NoError(t, restored.Restore(ctx, []*types.Session{sess}))
		require.Eventually(t, func() bool { return fb.subscriptions(walletTopic) > before }, 5*time.Second, 10*time.Millisecond)

		d.request(walletTopic, 11, "personal_sign", "0x01", testAccount)
		ev, ok := nextEvent(t, restoredEvents).(*adapter.RequestEvent)
		require.True(t, ok)
		require.Equal(t, "11", ev.Request.InternalID)
		require.Equal(t, testAccount, ev.Request.Account)

		require.NoError(t, restored.Disconnect(ctx, sess, "user disconnected"))
		msg := d.next()
		require.Equal(t, methodSessionUpdate, msg.Get("method").String())
		require.False(t, msg.Get("params.0.approved").Bool())
	})

	require.NoError(t, a.Close())
}

func TestRejectSession(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBridge(t)
	a := New(Config{}, nil)
	defer a.Close() //nolint:errcheck
	events := listen(a)

	d, pending := pairWithDapp(t, a, fb, events)
	require.NoError(t, a.RejectSession(ctx, pending, "user rejected"))

	resp := d.next()
	require.Equal(t, int64(1), resp.Get("id").Int())
	require.Equal(t, int64(codeSessionRejected), resp.Get("error.code").Int())
	require.Equal(t, msgSessionRejected, resp.Get("error.message").String())

	// rejecting twice has nothing left to answer
	require.NoError(t, a.RejectSession(ctx, pending, "user rejected"))
	_, err := a.ApproveSession(ctx, pending, adapter.ApproveParams{Account: testAccount})
	require.ErrorIs(t, err, types.ErrTransport)
}

func TestApproveSessionPublishFailure(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBridge(t)
	a := New(Config{}, nil)
	defer a.Close() //nolint:errcheck
	events := listen(a)

	_, pending := pairWithDapp(t, a, fb, events)
	a.lk.Lock()
	b := a.bridges[fb.URL]
	a.lk.Unlock()
	require.NotNil(t, b)
	require.Equal(t, 2, b.Topics())
	require.NoError(t, b.Close())

	_, err := a.ApproveSession(ctx, pending, adapter.ApproveParams{Account: testAccount})
	require.ErrorIs(t, err, types.ErrTransport)

	a.lk.Lock()
	require.Empty(t, a.proposals)
	require.Empty(t, a.pairings)
	require.Empty(t, a.selfTopics)
	a.lk.Unlock()
	require.Equal(t, 0, b.Topics())

	// the proposal is gone, a retry has nothing to approve
	_, err = a.ApproveSession(ctx, pending, adapter.ApproveParams{Account: testAccount})
	require.ErrorIs(t, err, types.ErrTransport)
}

func TestDappDisconnect(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBridge(t)
	a := New(Config{}, nil)
	defer a.Close() //nolint:errcheck
	events := listen(a)

	d, pending := pairWithDapp(t, a, fb, events)
	sess, err := a.ApproveSession(ctx, pending, adapter.ApproveParams{Account: testAccount})
	require.NoError(t, err)
	require.Equal(t, []uint64{56}, sess.Chains)
	d.next()

	d.request(sess.Transport.SelfID, 2, methodSessionUpdate, &sessionParams{Approved: false})
	ev, ok := nextEvent(t, events).(*adapter.SessionDeletedEvent)
	require.True(t, ok)
	require.Equal(t, d.id, ev.SessionID)

	// answering a request of a closed session sends nothing and succeeds
	req := &types.WalletRequest{InternalID: "3", SessionID: d.id, Version: types.V1}
	require.NoError(t, a.Respond(ctx, req, types.Approved("0x")))
}

func TestPairErrors(t *testing.T) {
	a := New(Config{}, nil)
	err := a.Pair(context.Background(), &types.PairingURI{Version: types.V2, Topic: "t"})
	require.ErrorIs(t, err, types.ErrInvalidURI)

	err = a.Pair(context.Background(), &types.PairingURI{Version: types.V1, Topic: "t", Bridge: "http://127.0.0.1:1", Key: make([]byte, 32)})
	require.ErrorIs(t, err, types.ErrTransport)
}
