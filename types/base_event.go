package types

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/modern-go/reflect2"
)

var log = logging.Logger("event_stream")

var (
	ErrCloseChannel   = fmt.Errorf("recover send once")
	ErrRequestTimeout = errors.New("timer clean this request due to exceed wait time")
)

// BaseEventStream correlates requests pushed to listening channels with the responses they send back.
type BaseEventStream struct {
	reqLk     sync.RWMutex
	idRequest map[uuid.UUID]*RequestEvent
	cfg       *RequestConfig
}

func NewBaseEventStream(ctx context.Context, cfg *RequestConfig) *BaseEventStream {
	baseEventStream := &BaseEventStream{
		reqLk:     sync.RWMutex{},
		idRequest: make(map[uuid.UUID]*RequestEvent),
		cfg:       cfg,
	}
	go baseEventStream.cleanRequests(ctx)
	return baseEventStream
}

// SendRequest tries the first channel, and races the remaining ones when it fails.
func (e *BaseEventStream) SendRequest(ctx context.Context, channels []*ChannelInfo, method string, payload []byte, result interface{}) error {
	if len(channels) == 0 {
		return fmt.Errorf("send request must have channel")
	}

	processResp := func(resp *ResponseEvent) error {
		if len(resp.Error) > 0 {
			return errors.New(resp.Error)
		}

		if !reflect2.IsNil(result) {
			return json.Unmarshal(resp.Payload, result)
		}
		return nil
	}
	firstChannel := channels[0]
	resp, err := e.sendOnce(ctx, firstChannel, method, payload)
	if err == nil {
		return processResp(resp)
	}

	// a timed out request was delivered, the signer may still be prompting the user
	if ctx.Err() != nil || len(channels) == 1 || isTimeoutError(err) {
		return err
	}

	log.Warnf("the first channel is fail, try to other channel")
	otherChannels := channels[1:]
	respCh := make(chan *ResponseEvent, len(otherChannels))
	errCh := make(chan error, len(otherChannels))
	for _, channel := range otherChannels {
		go func(channel *ChannelInfo) {
			respEvent, err := e.sendOnce(ctx, channel, method, payload)
			if err != nil {
				log.Errorf("send request %s to %s failed %v", method, channel.Ip, err)
				errCh <- err
				return
			}
			respCh <- respEvent
		}(channel)
	}

	var errs []string
	for range otherChannels {
		select {
		case resp := <-respCh:
			return processResp(resp)
		case err := <-errCh:
			errs = append(errs, err.Error())
		case <-ctx.Done():
			return fmt.Errorf("request cancel by context")
		}
	}
	return fmt.Errorf("all request failed: %s", strings.Join(errs, "; "))
}

func (e *BaseEventStream) sendOnce(ctx context.Context, channel *ChannelInfo, method string, payload []byte) (response *ResponseEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrCloseChannel
		}
	}()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("send request cancel by context %w", ctx.Err())
	}
	if channel.Closed() {
		return nil, ErrCloseChannel
	}

	id := uuid.New()
	resultCh := make(chan *ResponseEvent, 1)
	request := &RequestEvent{
		ID:         id,
		Method:     method,
		Payload:    payload,
		CreateTime: time.Now(),
		Result:     resultCh,
	}
	e.reqLk.Lock()
	e.idRequest[id] = request
	e.reqLk.Unlock()
	defer func() {
		e.reqLk.Lock()
		delete(e.idRequest, id)
		e.reqLk.Unlock()
	}()

	select {
	case channel.OutBound <- request: // may panic on a closed channel, recovered above
		log.Debugf("send request %s to %s", method, channel.Ip)
	case <-ctx.Done():
		return nil, fmt.Errorf("send request cancel by context %w", ctx.Err())
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("cancel by context %w", ctx.Err())
	case respEvent := <-resultCh:
		if strings.HasPrefix(respEvent.Error, ErrRequestTimeout.Error()) {
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, respEvent.Error)
		}
		return respEvent, nil
	}
}

func (e *BaseEventStream) cleanRequests(ctx context.Context) {
	tm := time.NewTicker(e.cfg.ClearInterval)
	defer tm.Stop()
	for {
		select {
		case <-tm.C:
			e.reqLk.Lock()
			for id, request := range e.idRequest {
				if time.Since(request.CreateTime) > e.cfg.RequestTimeout {
					delete(e.idRequest, id)
					// never block here, the response may be arriving right now
					select {
					case request.Result <- &ResponseEvent{
						ID:      id,
						Payload: nil,
						Error:   fmt.Sprintf("%s create time %s method %s", ErrRequestTimeout, request.CreateTime, request.Method),
					}:
					default:
					}
				}
			}
			e.reqLk.Unlock()
		case <-ctx.Done():
			log.Warnf("return clean request")
			return
		}
	}
}

func (e *BaseEventStream) ResponseEvent(ctx context.Context, resp *ResponseEvent) error {
	e.reqLk.Lock()
	event, ok := e.idRequest[resp.ID]
	if !ok {
		e.reqLk.Unlock()
		return fmt.Errorf("request id %s not exit", resp.ID.String())
	}
	delete(e.idRequest, resp.ID)
	e.reqLk.Unlock()

	select {
	case event.Result <- resp:
	default:
		log.Warnf("response %s arrived after the request was settled", resp.ID)
	}
	return nil
}

func isTimeoutError(err error) bool {
	return errors.Is(err, ErrRequestTimeout)
}
