package wcv2

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ipfs-force-community/sophon-connect/types"
)

var (
	errNotConnected = errors.New("relay not connected")
	errRelayClosed  = errors.New("relay client closed")
)

const relayCallTimeout = 10 * time.Second

type relayMessage struct {
	Topic   string
	Message string
	Tag     int
}

type relayResult struct {
	result gjson.Result
	err    error
}

// relayClient is the json-rpc connection to a relay server. Incoming messages are handed to onMessage
// in order on a goroutine of their own, so handlers may call back into the relay.
type relayClient struct {
	log       *zap.SugaredLogger
	dialer    *websocket.Dialer
	endpoint  func() (string, error)
	onMessage func(msg *relayMessage)

	writeLk sync.Mutex
	conn    *websocket.Conn

	callLk sync.Mutex
	calls  map[int64]chan *relayResult

	subLk sync.Mutex
	subs  map[string]string

	inboxLk sync.Mutex
	inbox   []*relayMessage
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func dialRelay(ctx context.Context, endpoint func() (string, error), log *zap.SugaredLogger, onMessage func(*relayMessage)) (*relayClient, error) {
	r := &relayClient{
		log:       log,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		endpoint:  endpoint,
		onMessage: onMessage,
		calls:     make(map[int64]chan *relayResult),
		subs:      make(map[string]string),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	conn, err := r.dial(ctx)
	if err != nil {
		r.cancel()
		return nil, err
	}
	go r.dispatch()
	go r.run(conn)
	return r, nil
}

func (r *relayClient) dial(ctx context.Context) (*websocket.Conn, error) {
	url, err := r.endpoint()
	if err != nil {
		return nil, err
	}
	conn, _, err := r.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial relay")
	}
	r.writeLk.Lock()
	r.conn = conn
	r.writeLk.Unlock()
	return conn, nil
}

func (r *relayClient) run(conn *websocket.Conn) {
	defer close(r.done)
	for {
		if err := r.readLoop(conn); err != nil && r.ctx.Err() == nil {
			r.log.Errorf("relay read errored: %s", err)
		}
		r.writeLk.Lock()
		r.conn = nil
		r.writeLk.Unlock()
		_ = conn.Close()
		r.failCalls(errNotConnected)

		for {
			select {
			case <-time.After(time.Second):
			case <-r.ctx.Done():
				r.log.Infof("relay connection closed")
				return
			}
			var err error
			if conn, err = r.dial(r.ctx); err != nil {
				r.log.Warnf("redial relay: %v", err)
				continue
			}
			break
		}
		r.log.Info("relay reconnected, resubscribe topics")
		go r.resubscribe()
	}
}

func (r *relayClient) resubscribe() {
	for _, topic := range r.topics() {
		if err := r.Subscribe(r.ctx, topic); err != nil {
			r.log.Warnf("resubscribe %s: %v", topic, err)
		}
	}
}

func (r *relayClient) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame := gjson.ParseBytes(data)
		if frame.Get("method").String() == relaySubscription {
			payload := frame.Get("params.data")
			r.enqueue(&relayMessage{
				Topic:   payload.Get("topic").String(),
				Message: payload.Get("message").String(),
				Tag:     int(payload.Get("tag").Int()),
			})
			ack := &rpcResponse{ID: frame.Get("id").Int(), JSONRPC: "2.0", Result: true}
			if err := r.write(ack); err != nil {
				r.log.Debugf("ack subscription: %v", err)
			}
			continue
		}
		if !frame.Get("id").Exists() {
			continue
		}
		res := &relayResult{result: frame.Get("result")}
		if e := frame.Get("error"); e.Exists() {
			res.err = errors.Errorf("relay error %d: %s", e.Get("code").Int(), e.Get("message").String())
		}
		r.callLk.Lock()
		ch, ok := r.calls[frame.Get("id").Int()]
		delete(r.calls, frame.Get("id").Int())
		r.callLk.Unlock()
		if ok {
			ch <- res
		}
	}
}

func (r *relayClient) enqueue(msg *relayMessage) {
	r.inboxLk.Lock()
	r.inbox = append(r.inbox, msg)
	r.inboxLk.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *relayClient) dispatch() {
	for {
		r.inboxLk.Lock()
		batch := r.inbox
		r.inbox = nil
		r.inboxLk.Unlock()
		for _, msg := range batch {
			r.onMessage(msg)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-r.wake:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *relayClient) failCalls(err error) {
	r.callLk.Lock()
	defer r.callLk.Unlock()
	for id, ch := range r.calls {
		ch <- &relayResult{err: err}
		delete(r.calls, id)
	}
}

func (r *relayClient) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.writeLk.Lock()
	defer r.writeLk.Unlock()
	if r.conn == nil {
		return errNotConnected
	}
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

func (r *relayClient) call(ctx context.Context, method string, params interface{}) (gjson.Result, error) {
	id := payloadID()
	ch := make(chan *relayResult, 1)
	r.callLk.Lock()
	r.calls[id] = ch
	r.callLk.Unlock()
	defer func() {
		r.callLk.Lock()
		delete(r.calls, id)
		r.callLk.Unlock()
	}()

	if err := r.write(&rpcRequest{ID: id, JSONRPC: "2.0", Method: method, Params: params}); err != nil {
		return gjson.Result{}, types.Transport(method, err)
	}
	select {
	case res := <-ch:
		return res.result, types.Transport(method, res.err)
	case <-time.After(relayCallTimeout):
		return gjson.Result{}, types.NewError(types.ErrTimeout, method, errors.New("relay did not answer"))
	case <-ctx.Done():
		return gjson.Result{}, types.Transport(method, ctx.Err())
	case <-r.ctx.Done():
		return gjson.Result{}, types.Transport(method, errRelayClosed)
	}
}

func (r *relayClient) topics() []string {
	r.subLk.Lock()
	defer r.subLk.Unlock()
	out := make([]string, 0, len(r.subs))
	for topic := range r.subs {
		out = append(out, topic)
	}
	return out
}

func (r *relayClient) Subscribe(ctx context.Context, topic string) error {
	res, err := r.call(ctx, relaySubscribe, map[string]string{"topic": topic})
	if err != nil {
		return err
	}
	r.subLk.Lock()
	r.subs[topic] = res.String()
	r.subLk.Unlock()
	return nil
}

func (r *relayClient) Unsubscribe(ctx context.Context, topic string) error {
	r.subLk.Lock()
	id, ok := r.subs[topic]
	delete(r.subs, topic)
	r.subLk.Unlock()
	if !ok {
		return nil
	}
	_, err := r.call(ctx, relayUnsubscribe, map[string]string{"topic": topic, "id": id})
	return err
}

func (r *relayClient) Publish(ctx context.Context, topic, message string, opts publishOpts) error {
	_, err := r.call(ctx, relayPublish, map[string]interface{}{
		"topic":   topic,
		"message": message,
		"ttl":     int64(opts.TTL / time.Second),
		"tag":     opts.Tag,
		"prompt":  opts.Tag == methods[methodSessionRequest].Req.Tag,
	})
	return err
}

func (r *relayClient) Close() error {
	r.cancel()
	r.writeLk.Lock()
	if r.conn != nil {
		_ = r.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = r.conn.Close()
	}
	r.writeLk.Unlock()
	<-r.done
	return nil
}
