package wcv1

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ipfs-force-community/sophon-connect/types"
)

var errNotConnected = errors.New("bridge not connected")

// bridgeConn is one websocket to a bridge server. It reconnects on failure and resubscribes its topics.
type bridgeConn struct {
	url       string
	log       *zap.SugaredLogger
	dialer    *websocket.Dialer
	onMessage func(b *bridgeConn, msg *bridgeMessage)

	writeLk sync.Mutex
	conn    *websocket.Conn

	topicLk sync.Mutex
	topics  map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// websocketURL turns the https bridge url of a pairing uri into its websocket endpoint.
func websocketURL(bridge string) (string, error) {
	u, err := url.Parse(bridge)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported bridge scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("protocol", "wc")
	q.Set("version", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func dialBridge(ctx context.Context, bridge string, log *zap.SugaredLogger, onMessage func(*bridgeConn, *bridgeMessage)) (*bridgeConn, error) {
	b := &bridgeConn{
		url:       bridge,
		log:       log.With("bridge", bridge),
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		onMessage: onMessage,
		topics:    make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	conn, err := b.dial(ctx)
	if err != nil {
		b.cancel()
		return nil, err
	}
	go b.run(conn)
	return b, nil
}

func (b *bridgeConn) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := websocketURL(b.url)
	if err != nil {
		return nil, err
	}
	conn, _, err := b.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial bridge %s", b.url)
	}
	b.writeLk.Lock()
	b.conn = conn
	b.writeLk.Unlock()
	return conn, nil
}

// run reads until the connection drops, then redials like the signer stream clients do.
func (b *bridgeConn) run(conn *websocket.Conn) {
	defer close(b.done)
	for {
		if err := b.readLoop(conn); err != nil && b.ctx.Err() == nil {
			b.log.Errorf("bridge read errored: %s", err)
		}
		b.writeLk.Lock()
		b.conn = nil
		b.writeLk.Unlock()
		_ = conn.Close()

		for {
			select {
			case <-time.After(time.Second):
			case <-b.ctx.Done():
				b.log.Infof("bridge connection closed")
				return
			}
			var err error
			if conn, err = b.dial(b.ctx); err != nil {
				b.log.Warnf("redial bridge: %v", err)
				continue
			}
			break
		}
		b.log.Info("bridge reconnected, resubscribe topics")
		for _, topic := range b.subscribed() {
			if err := b.write(&bridgeMessage{Topic: topic, Type: "sub", Silent: true}); err != nil {
				b.log.Warnf("resubscribe %s: %v", topic, err)
			}
		}
	}
}

func (b *bridgeConn) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg bridgeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.log.Warnf("drop undecodable bridge frame: %v", err)
			continue
		}
		if msg.Type != "pub" {
			continue
		}
		if err := b.write(&bridgeMessage{Topic: msg.Topic, Type: "ack", Silent: true}); err != nil {
			b.log.Debugf("ack %s: %v", msg.Topic, err)
		}
		b.onMessage(b, &msg)
	}
}

func (b *bridgeConn) write(msg *bridgeMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b.writeLk.Lock()
	defer b.writeLk.Unlock()
	if b.conn == nil {
		return errNotConnected
	}
	return b.conn.WriteMessage(websocket.TextMessage, data)
}

func (b *bridgeConn) subscribed() []string {
	b.topicLk.Lock()
	defer b.topicLk.Unlock()
	out := make([]string, 0, len(b.topics))
	for topic := range b.topics {
		out = append(out, topic)
	}
	return out
}

func (b *bridgeConn) Subscribe(topic string) error {
	b.topicLk.Lock()
	b.topics[topic] = struct{}{}
	b.topicLk.Unlock()
	return types.Transport("subscribe", b.write(&bridgeMessage{Topic: topic, Type: "sub", Silent: true}))
}

func (b *bridgeConn) Unsubscribe(topic string) {
	b.topicLk.Lock()
	delete(b.topics, topic)
	b.topicLk.Unlock()
}

func (b *bridgeConn) Topics() int {
	b.topicLk.Lock()
	defer b.topicLk.Unlock()
	return len(b.topics)
}

// Publish seals msg with key and sends it to topic. wc_ handshake traffic is silent, everything else
// may trigger a push notification on the peer.
func (b *bridgeConn) Publish(topic string, msg interface{}, key []byte, silent bool) error {
	payload, err := seal(msg, key)
	if err != nil {
		return err
	}
	return types.Transport("publish", b.write(&bridgeMessage{Topic: topic, Type: "pub", Payload: payload, Silent: silent}))
}

func (b *bridgeConn) Close() error {
	b.cancel()
	b.writeLk.Lock()
	if b.conn != nil {
		_ = b.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = b.conn.Close()
	}
	b.writeLk.Unlock()
	<-b.done
	return nil
}

func sameBridge(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}
