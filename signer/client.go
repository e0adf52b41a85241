package signer

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ipfs-force-community/sophon-connect/types"
)

// ISignerServiceProvider is the daemon side of a remote signer connection.
type ISignerServiceProvider interface {
	ListenSignerEvent(ctx context.Context, policy *types.SignerRegisterPolicy) (<-chan *types.RequestEvent, error)
	ResponseSignerEvent(ctx context.Context, resp *types.ResponseEvent) error
}

// SignerEventClient serves a local signer to a daemon, reconnecting until ctx is done.
type SignerEventClient struct {
	processor   types.ISigner
	client      ISignerServiceProvider
	randomBytes []byte
	log         *zap.SugaredLogger
	channel     uuid.UUID
	readyCh     chan struct{}
}

func NewSignerEventClient(process types.ISigner, client ISignerServiceProvider, log *zap.SugaredLogger) *SignerEventClient {
	randomBytes, err := io.ReadAll(io.LimitReader(rand.Reader, 16))
	if err != nil {
		panic(fmt.Errorf("rand sign bytes failed %v", err))
	}
	return &SignerEventClient{
		processor:   process,
		client:      client,
		log:         log,
		randomBytes: randomBytes,
		readyCh:     make(chan struct{}, 1),
	}
}

func (e *SignerEventClient) ListenSignerRequest(ctx context.Context) {
	for {
		if err := e.listenSignerRequestOnce(ctx); err != nil {
			e.log.Errorf("listen signer event errored: %s", err)
		} else {
			e.log.Warn("listenSignerRequestOnce quit, try again")
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			e.log.Warnf("not restarting listenSignerRequestOnce: context error: %s", ctx.Err())
			return
		}
		e.log.Info("restarting listenSignerRequestOnce")
		// try clear ready channel
		select {
		case <-e.readyCh:
		default:
		}
	}
}

func (e *SignerEventClient) WaitReady(ctx context.Context) {
	select {
	case <-e.readyCh:
	case <-ctx.Done():
	}
}

func (e *SignerEventClient) listenSignerRequestOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	policy := &types.SignerRegisterPolicy{SignBytes: e.randomBytes}
	eventCh, err := e.client.ListenSignerEvent(ctx, policy)
	if err != nil {
		// Retry is handled by caller
		return fmt.Errorf("listenSignerRequestOnce ListenSignerEvent call failed: %w", err)
	}

	for event := range eventCh {
		switch event.Method {
		case types.MethodInitConnect:
			req := types.ConnectedCompleted{}
			if err := json.Unmarshal(event.Payload, &req); err != nil {
				e.log.Errorf("init connect error %s", err)
			}
			e.channel = req.ChannelId
			e.log.Infof("connect to server success %v", req.ChannelId)
			select {
			case e.readyCh <- struct{}{}:
			default:
			}
			// do not response
		case types.MethodAccounts:
			go e.accounts(ctx, event.ID)
		case types.MethodSignMessage:
			go e.signMessage(ctx, event)
		case types.MethodSendTransaction:
			go e.sendTransaction(ctx, event)
		default:
			e.log.Errorf("unexpect signer event type %s", event.Method)
		}
	}

	return nil
}

func (e *SignerEventClient) accounts(ctx context.Context, id uuid.UUID) {
	accounts, err := e.processor.Accounts(ctx)
	if err != nil {
		e.log.Errorf("Accounts error %s", err)
		e.error(ctx, id, err)
		return
	}
	e.value(ctx, id, accounts)
}

func (e *SignerEventClient) signMessage(ctx context.Context, event *types.RequestEvent) {
	req := types.SignRequest{}
	if err := json.Unmarshal(event.Payload, &req); err != nil {
		e.log.Errorf("unmarshal SignRequest error %s", err)
		e.error(ctx, event.ID, err)
		return
	}
	e.log.Debugw("start SignMessage", "account", req.Account, "type", req.Type)
	sig, err := e.processor.SignMessage(ctx, &req)
	if err != nil {
		e.log.Errorf("SignMessage error %s", err)
		e.error(ctx, event.ID, err)
		return
	}
	e.value(ctx, event.ID, sig)
}

func (e *SignerEventClient) sendTransaction(ctx context.Context, event *types.RequestEvent) {
	req := types.SendTxRequest{}
	if err := json.Unmarshal(event.Payload, &req); err != nil {
		e.log.Errorf("unmarshal SendTxRequest error %s", err)
		e.error(ctx, event.ID, err)
		return
	}
	e.log.Debugw("start SendTransaction", "account", req.Account, "chain", req.ChainID)
	hash, err := e.processor.SendTransaction(ctx, &req)
	if err != nil {
		e.log.Errorf("SendTransaction error %s", err)
		e.error(ctx, event.ID, err)
		return
	}
	e.value(ctx, event.ID, hash)
}

func (e *SignerEventClient) value(ctx context.Context, id uuid.UUID, val interface{}) {
	respBytes, err := json.Marshal(val)
	if err != nil {
		e.log.Errorf("marshal response error %s", err)
		e.error(ctx, id, err)
		return
	}
	err = e.client.ResponseSignerEvent(ctx, &types.ResponseEvent{
		ID:      id,
		Payload: respBytes,
		Error:   "",
	})
	if err != nil {
		e.log.Errorf("response error %v", err)
	}
}

func (e *SignerEventClient) error(ctx context.Context, id uuid.UUID, err error) {
	err = e.client.ResponseSignerEvent(ctx, &types.ResponseEvent{
		ID:      id,
		Payload: nil,
		Error:   err.Error(),
	})
	if err != nil {
		e.log.Errorf("response error %v", err)
	}
}
