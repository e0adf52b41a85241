package testhelper

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ipfs-force-community/sophon-connect/types"
)

var _ types.ISigner = (*MemSigner)(nil)

// MemSigner signs personal messages for real and fakes everything else with a keccak digest.
type MemSigner struct {
	lk    sync.Mutex
	keys  map[common.Address]*ecdsa.PrivateKey
	fail  bool
	delay time.Duration
	calls int
}

func NewMemSigner() *MemSigner {
	return &MemSigner{
		lk:   sync.Mutex{},
		keys: make(map[common.Address]*ecdsa.PrivateKey),
	}
}

func (m *MemSigner) SetFail(fail bool) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.fail = fail
}

// SetDelay makes every sign call wait d after it is counted, before any key is touched.
func (m *MemSigner) SetDelay(d time.Duration) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.delay = d
}

func (m *MemSigner) Calls() int {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.calls
}

func (m *MemSigner) AddKey() (string, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	m.keys[addr] = key
	return addr.Hex(), nil
}

func (m *MemSigner) Accounts(context.Context) ([]string, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	if m.fail {
		return nil, fmt.Errorf("mock error")
	}
	var out []string
	for addr := range m.keys {
		out = append(out, addr.Hex())
	}
	return out, nil
}

func (m *MemSigner) key(account string) (*ecdsa.PrivateKey, error) {
	if !common.IsHexAddress(account) {
		return nil, fmt.Errorf("invalid account %s", account)
	}
	key, ok := m.keys[common.HexToAddress(account)]
	if !ok {
		return nil, fmt.Errorf("address %s not found", account)
	}
	return key, nil
}

// begin counts a call and waits out the configured delay, the lock is held on return.
func (m *MemSigner) begin() {
	m.lk.Lock()
	m.calls++
	delay := m.delay
	m.lk.Unlock()
	time.Sleep(delay)
	m.lk.Lock()
}

func (m *MemSigner) SignMessage(_ context.Context, req *types.SignRequest) (string, error) {
	m.begin()
	defer m.lk.Unlock()
	if m.fail {
		return "", fmt.Errorf("mock error")
	}
	key, err := m.key(req.Account)
	if err != nil {
		return "", err
	}

	msg := []byte(req.Message.RawMessage)
	if strings.HasPrefix(req.Message.RawMessage, "0x") {
		if decoded, err := hexutil.Decode(req.Message.RawMessage); err == nil {
			msg = decoded
		}
	}
	hash := crypto.Keccak256(msg)
	if req.Type == types.PersonalSign || req.Type == types.EthSign {
		hash = accounts.TextHash(msg)
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func (m *MemSigner) SendTransaction(_ context.Context, req *types.SendTxRequest) (string, error) {
	m.begin()
	defer m.lk.Unlock()
	if m.fail {
		return "", fmt.Errorf("mock error")
	}
	if _, err := m.key(req.Account); err != nil {
		return "", err
	}
	return crypto.Keccak256Hash([]byte(req.Transaction.From + req.Transaction.To + req.Transaction.Value + req.Transaction.Data)).Hex(), nil
}
