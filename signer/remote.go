package signer

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/ipfs-force-community/sophon-connect/metrics"
	"github.com/ipfs-force-community/sophon-connect/types"
	"github.com/ipfs-force-community/sophon-connect/utils"
)

var log = logging.Logger("signer_stream")

var _ types.ISigner = (*RemoteSigner)(nil)

// RemoteSigner forwards signing to signers listening on the control api. Every account a signer announces is
// proven by a personal_sign over a challenge before it is served.
type RemoteSigner struct {
	connMgr   *signerConnMgr
	cfg       *types.RequestConfig
	randBytes []byte
	*types.BaseEventStream
}

func NewRemoteSigner(ctx context.Context, cfg *types.RequestConfig) *RemoteSigner {
	remote := &RemoteSigner{
		connMgr:         newSignerConnMgr(),
		BaseEventStream: types.NewBaseEventStream(ctx, cfg),
		cfg:             cfg,
	}
	var err error
	remote.randBytes, err = io.ReadAll(io.LimitReader(rand.Reader, 32))
	if err != nil {
		panic(fmt.Errorf("rand secret failed %v", err))
	}
	return remote
}

func (r *RemoteSigner) ListenSignerEvent(ctx context.Context, policy *types.SignerRegisterPolicy) (<-chan *types.RequestEvent, error) {
	name, exist := utils.CtxGetName(ctx)
	if !exist {
		return nil, errors.New("unable to get signer name in method ListenSignerEvent request")
	}
	if policy == nil {
		policy = &types.SignerRegisterPolicy{}
	}

	ip, _ := utils.CtxGetTokenLocation(ctx)
	out := make(chan *types.RequestEvent, r.cfg.RequestQueueSize)
	signerLog := log.With("signer", name).With("ip", ip)
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.AccountKey, name), tag.Upsert(metrics.IPKey, ip))

	go func() {
		channel := types.NewChannelInfo(ctx, ip, out)
		defer close(out)

		accounts, err := r.getValidatedAccounts(ctx, channel, policy.SignBytes)
		if err != nil {
			signerLog.Errorf("unable to validate accounts %v", err)
			return
		}

		signerChannel := newSignerChannelInfo(channel, accounts)
		r.connMgr.addNewConn(name, signerChannel)
		signerLog.Infof("add new connections %s with %d accounts", channel.ChannelId, len(accounts))
		stats.Record(ctx, metrics.SignerRegister.M(1))

		connectBytes, err := json.Marshal(types.ConnectedCompleted{ChannelId: channel.ChannelId})
		if err != nil {
			signerLog.Errorf("marshal failed %v", err)
			return
		}
		out <- &types.RequestEvent{
			ID:         uuid.New(),
			Method:     types.MethodInitConnect,
			CreateTime: time.Now(),
			Payload:    connectBytes,
		} // not response

		<-ctx.Done()
		stats.Record(ctx, metrics.SignerUnregister.M(1))
		r.connMgr.removeConn(name, signerChannel)
	}()
	return out, nil
}

func (r *RemoteSigner) ResponseSignerEvent(ctx context.Context, resp *types.ResponseEvent) error {
	return r.ResponseEvent(ctx, resp)
}

func (r *RemoteSigner) ListSigners(ctx context.Context) ([]*types.SignerDetail, error) {
	return r.connMgr.listSignerInfo(), nil
}

func (r *RemoteSigner) Accounts(ctx context.Context) ([]string, error) {
	return r.connMgr.accounts(), nil
}

func (r *RemoteSigner) SignMessage(ctx context.Context, req *types.SignRequest) (string, error) {
	channels, err := r.connMgr.getChannels(req.Account)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	start := time.Now()
	var sig string
	err = r.SendRequest(ctx, channels, types.MethodSignMessage, payload, &sig)
	_ = stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(metrics.AccountKey, req.Account), tag.Upsert(metrics.MethodKey, string(req.Type))},
		metrics.SignerSign.M(metrics.SinceInMilliseconds(start)))
	if err != nil {
		return "", err
	}
	return sig, nil
}

func (r *RemoteSigner) SendTransaction(ctx context.Context, req *types.SendTxRequest) (string, error) {
	channels, err := r.connMgr.getChannels(req.Account)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	start := time.Now()
	var hash string
	err = r.SendRequest(ctx, channels, types.MethodSendTransaction, payload, &hash)
	_ = stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(metrics.AccountKey, req.Account)},
		metrics.SignerSendTx.M(metrics.SinceInMilliseconds(start)))
	if err != nil {
		return "", err
	}
	return hash, nil
}

func (r *RemoteSigner) getValidatedAccounts(ctx context.Context, channel *types.ChannelInfo, signBytes []byte) ([]string, error) {
	var accounts []string

	start := time.Now()
	err := r.SendRequest(ctx, []*types.ChannelInfo{channel}, types.MethodAccounts, nil, &accounts)
	if err != nil {
		return nil, err
	}
	stats.Record(ctx, metrics.SignerAccounts.M(metrics.SinceInMilliseconds(start)))

	valid := make([]string, 0, len(accounts))
	for _, account := range accounts {
		if err := r.verifyAccount(ctx, channel, account, signBytes); err != nil {
			return nil, err
		}
		valid = append(valid, common.HexToAddress(account).Hex())
	}
	return valid, nil
}

func (r *RemoteSigner) verifyAccount(ctx context.Context, channel *types.ChannelInfo, account string, signBytes []byte) error {
	if !common.IsHexAddress(account) {
		return errors.Errorf("invalid account %q", account)
	}
	signData := hexutil.Encode(types.GetSignData(r.randBytes, signBytes))
	payload, err := json.Marshal(&types.SignRequest{
		Account: account,
		Type:    types.PersonalSign,
		Message: &types.SignPayload{Message: signData, RawMessage: signData},
	})
	if err != nil {
		return err
	}

	var sig string
	if err := r.SendRequest(ctx, []*types.ChannelInfo{channel}, types.MethodSignMessage, payload, &sig); err != nil {
		return errors.Wrapf(err, "verify account %s, sign", account)
	}
	if !verifyPersonalSign(account, sig, hexutil.MustDecode(signData)) {
		return errors.Errorf("verify account %s: signature does not match", account)
	}
	log.Infof("verify account %s success", account)
	return nil
}

func verifyPersonalSign(account, signatureHex string, msg []byte) bool {
	sig, err := hexutil.Decode(signatureHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	recovered, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return false
	}
	return types.SameAccount(account, crypto.PubkeyToAddress(*recovered).Hex())
}
