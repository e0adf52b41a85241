package types

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RequestEvent is pushed down a listening channel, the listener answers with a ResponseEvent carrying the same ID.
type RequestEvent struct {
	ID         uuid.UUID
	Method     string
	Payload    []byte
	CreateTime time.Time
	Result     chan *ResponseEvent `json:"-"`
}

type ResponseEvent struct {
	ID      uuid.UUID
	Payload []byte
	Error   string
}

// ConnectedCompleted is the first event on a new channel, it tells the listener its channel id.
type ConnectedCompleted struct {
	ChannelId uuid.UUID
}

type ChannelInfo struct {
	ChannelId  uuid.UUID
	Ip         string
	OutBound   chan *RequestEvent
	CreateTime time.Time
	ctx        context.Context
}

func NewChannelInfo(ctx context.Context, ip string, sendEvents chan *RequestEvent) *ChannelInfo {
	return &ChannelInfo{
		ChannelId:  uuid.New(),
		OutBound:   sendEvents,
		Ip:         ip,
		CreateTime: time.Now(),
		ctx:        ctx,
	}
}

// Closed reports whether the listener behind the channel went away.
func (c *ChannelInfo) Closed() bool {
	if c.ctx == nil {
		return false
	}
	return c.ctx.Err() != nil
}

// SignRequest is the payload of a "Sign" request event.
type SignRequest struct {
	Account string
	ChainID uint64
	Type    RequestType
	Message *SignPayload `json:",omitempty"`
}

// SendTxRequest is the payload of a "SendTransaction" request event.
type SendTxRequest struct {
	Account     string
	ChainID     uint64
	Transaction *TxPayload
}
