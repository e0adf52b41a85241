package signer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"math/big"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ipfs-force-community/sophon-connect/permit"
	"github.com/ipfs-force-community/sophon-connect/types"
)

// EthClient is the part of ethclient.Client a transaction needs.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
}

var _ types.ISigner = (*LocalSigner)(nil)

// LocalSigner holds secp256k1 keys in memory and broadcasts transactions through per-chain rpc endpoints.
type LocalSigner struct {
	lk      sync.RWMutex
	keys    map[common.Address]*ecdsa.PrivateKey
	rpcURLs map[uint64]string
	clients map[uint64]EthClient
	log     *zap.SugaredLogger
}

func NewLocalSigner(rpcURLs map[uint64]string, log *zap.SugaredLogger) *LocalSigner {
	if rpcURLs == nil {
		rpcURLs = map[uint64]string{}
	}
	return &LocalSigner{
		keys:    make(map[common.Address]*ecdsa.PrivateKey),
		rpcURLs: rpcURLs,
		clients: make(map[uint64]EthClient),
		log:     log,
	}
}

// SetClient overrides the rpc client used for chainID.
func (l *LocalSigner) SetClient(chainID uint64, client EthClient) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.clients[chainID] = client
}

func (l *LocalSigner) AddKey(key *ecdsa.PrivateKey) string {
	l.lk.Lock()
	defer l.lk.Unlock()
	addr := crypto.PubkeyToAddress(key.PublicKey)
	l.keys[addr] = key
	return addr.Hex()
}

// LoadKeyFile imports either a geth keystore json file or a file of hex private keys, one per line.
func (l *LocalSigner) LoadKeyFile(path, password string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if bytes.HasPrefix(data, []byte("{")) {
		key, err := keystore.DecryptKey(data, password)
		if err != nil {
			return nil, errors.Wrapf(err, "decrypt keystore %s", path)
		}
		return []string{l.AddKey(key.PrivateKey)}, nil
	}

	var added []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimPrefix(strings.TrimSpace(scanner.Text()), "0x")
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, err := crypto.HexToECDSA(text)
		if err != nil {
			return nil, errors.Wrapf(err, "%s line %d", path, line)
		}
		added = append(added, l.AddKey(key))
	}
	return added, scanner.Err()
}

func (l *LocalSigner) Accounts(context.Context) ([]string, error) {
	l.lk.RLock()
	defer l.lk.RUnlock()
	out := make([]string, 0, len(l.keys))
	for addr := range l.keys {
		out = append(out, addr.Hex())
	}
	sort.Strings(out)
	return out, nil
}

func (l *LocalSigner) key(account string) (*ecdsa.PrivateKey, error) {
	if !common.IsHexAddress(account) {
		return nil, errors.Errorf("invalid account %q", account)
	}
	l.lk.RLock()
	defer l.lk.RUnlock()
	key, ok := l.keys[common.HexToAddress(account)]
	if !ok {
		return nil, errors.Errorf("account %s not found", account)
	}
	return key, nil
}

func (l *LocalSigner) SignMessage(_ context.Context, req *types.SignRequest) (string, error) {
	if req.Message == nil {
		return "", errors.New("sign request without message")
	}
	key, err := l.key(req.Account)
	if err != nil {
		return "", err
	}

	var hash []byte
	switch req.Type {
	case types.PersonalSign, types.EthSign:
		hash = accounts.TextHash(messageBytes(req.Message.RawMessage))
	case types.SignTypedData, types.SignTypedDataV4:
		td, err := permit.ParseTypedData(req.Message.RawMessage)
		if err != nil {
			return "", err
		}
		if hash, err = permit.HashTypedData(td); err != nil {
			return "", err
		}
	default:
		return "", types.NewError(types.ErrUnsupportedMethod, "sign message", errors.Errorf("method %s", req.Type))
	}

	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	l.log.Infow("signed message", "account", req.Account, "type", req.Type)
	return hexutil.Encode(sig), nil
}

func messageBytes(raw string) []byte {
	if strings.HasPrefix(raw, "0x") {
		if decoded, err := hexutil.Decode(raw); err == nil {
			return decoded
		}
	}
	return []byte(raw)
}

func (l *LocalSigner) client(ctx context.Context, chainID uint64) (EthClient, error) {
	l.lk.Lock()
	defer l.lk.Unlock()
	if c, ok := l.clients[chainID]; ok {
		return c, nil
	}
	url, ok := l.rpcURLs[chainID]
	if !ok {
		return nil, errors.Errorf("no rpc endpoint configured for chain %d", chainID)
	}
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	l.clients[chainID] = c
	return c, nil
}

func (l *LocalSigner) SendTransaction(ctx context.Context, req *types.SendTxRequest) (string, error) {
	if req.Transaction == nil {
		return "", errors.New("send request without transaction")
	}
	key, err := l.key(req.Account)
	if err != nil {
		return "", err
	}
	if !types.SameAccount(req.Transaction.From, req.Account) {
		return "", errors.Errorf("transaction sender %s is not %s", req.Transaction.From, req.Account)
	}
	client, err := l.client(ctx, req.ChainID)
	if err != nil {
		return "", err
	}

	tx, err := buildTransaction(ctx, client, req.ChainID, req.Transaction)
	if err != nil {
		return "", err
	}
	chainID := new(big.Int).SetUint64(req.ChainID)
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return "", errors.Wrap(err, "sign transaction")
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", errors.Wrap(err, "broadcast transaction")
	}
	l.log.Infow("sent transaction", "account", req.Account, "chain", req.ChainID, "hash", signed.Hash().Hex(), "nonce", signed.Nonce())
	return signed.Hash().Hex(), nil
}

func buildTransaction(ctx context.Context, client EthClient, chainID uint64, p *types.TxPayload) (*ethtypes.Transaction, error) {
	from := common.HexToAddress(p.From)
	var to *common.Address
	if p.To != "" {
		if !common.IsHexAddress(p.To) {
			return nil, errors.Errorf("invalid recipient %q", p.To)
		}
		addr := common.HexToAddress(p.To)
		to = &addr
	}
	value, err := optionalBig(p.Value)
	if err != nil {
		return nil, errors.Wrap(err, "value")
	}
	var data []byte
	if p.Data != "" && p.Data != "0x" {
		if data, err = hexutil.Decode(p.Data); err != nil {
			return nil, errors.Wrap(err, "data")
		}
	}

	var nonce uint64
	if p.Nonce != "" {
		if nonce, err = hexutil.DecodeUint64(p.Nonce); err != nil {
			return nil, errors.Wrap(err, "nonce")
		}
	} else if nonce, err = client.PendingNonceAt(ctx, from); err != nil {
		return nil, errors.Wrap(err, "pending nonce")
	}

	var gas uint64
	if p.Gas != "" {
		if gas, err = hexutil.DecodeUint64(p.Gas); err != nil {
			return nil, errors.Wrap(err, "gas")
		}
	} else {
		gas, err = client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: to, Value: value, Data: data})
		if err != nil {
			return nil, errors.Wrap(err, "estimate gas")
		}
	}

	if p.GasPrice != "" {
		gasPrice, err := optionalBig(p.GasPrice)
		if err != nil {
			return nil, errors.Wrap(err, "gasPrice")
		}
		return ethtypes.NewTx(&ethtypes.LegacyTx{Nonce: nonce, GasPrice: gasPrice, Gas: gas, To: to, Value: value, Data: data}), nil
	}

	tip, err := optionalBig(p.MaxPriorityFeePerGas)
	if err != nil {
		return nil, errors.Wrap(err, "maxPriorityFeePerGas")
	}
	feeCap, err := optionalBig(p.MaxFeePerGas)
	if err != nil {
		return nil, errors.Wrap(err, "maxFeePerGas")
	}
	if p.MaxFeePerGas == "" {
		head, err := client.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, errors.Wrap(err, "latest header")
		}
		if head.BaseFee == nil {
			// pre-london chain
			gasPrice, err := client.SuggestGasPrice(ctx)
			if err != nil {
				return nil, errors.Wrap(err, "suggest gas price")
			}
			return ethtypes.NewTx(&ethtypes.LegacyTx{Nonce: nonce, GasPrice: gasPrice, Gas: gas, To: to, Value: value, Data: data}), nil
		}
		if p.MaxPriorityFeePerGas == "" {
			if tip, err = client.SuggestGasTipCap(ctx); err != nil {
				return nil, errors.Wrap(err, "suggest tip")
			}
		}
		feeCap = new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	} else if p.MaxPriorityFeePerGas == "" {
		if tip, err = client.SuggestGasTipCap(ctx); err != nil {
			return nil, errors.Wrap(err, "suggest tip")
		}
	}

	return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(chainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        to,
		Value:     value,
		Data:      data,
	}), nil
}

func optionalBig(s string) (*big.Int, error) {
	if s == "" || s == "0x" {
		return new(big.Int), nil
	}
	return hexutil.DecodeBig(s)
}
