package types

import (
	"crypto/sha256"
	"time"

	"github.com/google/uuid"
)

// request event methods spoken between the daemon and a remote signer
const (
	MethodInitConnect     = "InitConnect"
	MethodAccounts        = "Accounts"
	MethodSignMessage     = "SignMessage"
	MethodSendTransaction = "SendTransaction"
)

// SignerRegisterPolicy is sent by a remote signer when it starts listening.
type SignerRegisterPolicy struct {
	// SignBytes is mixed into the ownership challenge, so a replayed proof from another daemon is useless
	SignBytes []byte
}

type SignerDetail struct {
	Name          string
	Accounts      []string
	ConnectStates []SignerConnectState
}

type SignerConnectState struct {
	Accounts     []string
	ChannelID    uuid.UUID
	IP           string
	RequestCount int
	CreateTime   time.Time
}

// GetSignData is the ownership challenge a signer proves each account with.
func GetSignData(datas ...[]byte) []byte {
	hasher := sha256.New()
	for _, data := range datas {
		_, _ = hasher.Write(data)
	}
	return hasher.Sum(nil)
}
