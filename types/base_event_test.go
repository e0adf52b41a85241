package types

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type mockParams struct {
	A string
}

type mockResult struct {
	B string
}

func TestSendRequest(t *testing.T) {
	t.Run("correct", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		eventSteam := NewBaseEventStream(ctx, DefaultConfig())

		parms, err := json.Marshal(mockParams{A: "mock arg"})
		require.NoError(t, err)
		result := &mockResult{}

		client := setupClient(t, eventSteam, "127.1.1.1")
		go client.start(ctx)

		err = eventSteam.SendRequest(ctx, []*ChannelInfo{client.channel}, "mock_method", parms, result)
		require.NoError(t, err)
		require.Equal(t, "mock", result.B)

		err = eventSteam.SendRequest(ctx, nil, "mock_method", parms, result)
		require.EqualError(t, err, "send request must have channel")
	})

	t.Run("response unknown id", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		eventSteam := NewBaseEventStream(ctx, DefaultConfig())

		err := eventSteam.ResponseEvent(ctx, &ResponseEvent{ID: uuid.New()})
		require.Error(t, err)

		// the stream must stay usable after a bad response
		parms, err := json.Marshal(mockParams{A: "mock arg"})
		require.NoError(t, err)
		client := setupClient(t, eventSteam, "127.1.1.1")
		go client.start(ctx)
		err = eventSteam.SendRequest(ctx, []*ChannelInfo{client.channel}, "mock_method", parms, &mockResult{})
		require.NoError(t, err)
	})

	t.Run("send multiple", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		eventSteam := NewBaseEventStream(ctx, DefaultConfig())

		parms, err := json.Marshal(mockParams{A: "mock arg"})
		require.NoError(t, err)

		var channels []*ChannelInfo
		for i := 0; i < 10; i++ {
			client := setupClient(t, eventSteam, "127.1.1.1")
			go client.start(ctx)
			channels = append(channels, client.channel)
		}
		err = eventSteam.SendRequest(ctx, channels, "mock_method", parms, &mockResult{})
		require.NoError(t, err)
	})

	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		eventSteam := NewBaseEventStream(ctx, DefaultConfig())

		parms, err := json.Marshal(mockParams{A: "mock arg"})
		require.NoError(t, err)

		client := setupClient(t, eventSteam, "127.1.1.1")
		go client.start(ctx)

		sendCtx, sendCancel := context.WithCancel(context.Background())
		sendCancel()
		err = eventSteam.SendRequest(sendCtx, []*ChannelInfo{client.channel}, "mock_method", parms, &mockResult{})
		require.EqualError(t, err, "send request cancel by context context canceled")
	})

	t.Run("once send error and retry others", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		eventSteam := NewBaseEventStream(ctx, DefaultConfig())

		parms, err := json.Marshal(mockParams{A: "mock arg"})
		require.NoError(t, err)

		client := setupClient(t, eventSteam, "127.1.1.1")
		go client.start(ctx)
		client2 := setupClient(t, eventSteam, "127.1.1.2")
		go client2.start(ctx)

		client.close()
		err = eventSteam.SendRequest(ctx, []*ChannelInfo{client.channel, client2.channel}, "mock_method", parms, &mockResult{})
		require.NoError(t, err)
	})

	t.Run("all request failed", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		eventSteam := NewBaseEventStream(ctx, DefaultConfig())

		parms, err := json.Marshal(mockParams{A: "mock arg"})
		require.NoError(t, err)

		client := setupClient(t, eventSteam, "127.1.1.1")
		go client.start(ctx)
		client2 := setupClient(t, eventSteam, "127.1.1.2")
		go client2.start(ctx)

		client.close()
		client2.close()
		err = eventSteam.SendRequest(ctx, []*ChannelInfo{client.channel, client2.channel}, "mock_method", parms, &mockResult{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "all request failed:")
	})

	t.Run("clear timeout request", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		eventSteam := NewBaseEventStream(ctx, &RequestConfig{
			RequestQueueSize: 30,
			RequestTimeout:   time.Millisecond * 100,
			ClearInterval:    time.Millisecond * 50,
		})
		var requests []*RequestEvent
		eventSteam.reqLk.Lock()
		for i := 0; i < 10; i++ {
			req := &RequestEvent{
				CreateTime: time.Now(),
				Result:     make(chan *ResponseEvent, 1),
			}
			eventSteam.idRequest[uuid.New()] = req
			requests = append(requests, req)
		}
		eventSteam.reqLk.Unlock()

		require.Eventually(t, func() bool {
			eventSteam.reqLk.RLock()
			defer eventSteam.reqLk.RUnlock()
			return len(eventSteam.idRequest) == 0
		}, time.Second*5, time.Millisecond*50)

		for _, req := range requests {
			require.Len(t, req.Result, 1)
			result := <-req.Result
			require.Contains(t, result.Error, ErrRequestTimeout.Error())
		}
	})
}

func TestIsTimeoutError(t *testing.T) {
	err := fmt.Errorf("%w %s method %s", ErrRequestTimeout, time.Now(), "MOCK")
	require.True(t, isTimeoutError(err))
	require.False(t, isTimeoutError(ErrCloseChannel))
}

type mockClient struct {
	t         *testing.T
	event     *BaseEventStream
	requestCh chan *RequestEvent
	channel   *ChannelInfo

	closeCh   chan struct{}
	waitClose chan struct{}

	cancel context.CancelFunc
}

func setupClient(t *testing.T, event *BaseEventStream, ip string) *mockClient {
	requestCh := make(chan *RequestEvent)
	ctx, cancel := context.WithCancel(context.Background())

	return &mockClient{
		t:         t,
		requestCh: requestCh,
		event:     event,
		channel:   NewChannelInfo(ctx, ip, requestCh),
		closeCh:   make(chan struct{}),
		waitClose: make(chan struct{}),
		cancel:    cancel,
	}
}

func (m *mockClient) close() {
	m.cancel()
	m.closeCh <- struct{}{}
	<-m.waitClose
}

func (m *mockClient) start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.closeCh:
			m.waitClose <- struct{}{}
			return
		case req := <-m.requestCh:
			var params mockParams
			err := json.Unmarshal(req.Payload, &params)
			require.NoError(m.t, err)
			require.Equal(m.t, "mock arg", params.A)
			data, err := json.Marshal(mockResult{B: "mock"})
			require.NoError(m.t, err)
			err = m.event.ResponseEvent(ctx, &ResponseEvent{
				ID:      req.ID,
				Payload: data,
				Error:   "",
			})
			require.NoError(m.t, err)
		}
	}
}
