package permit

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/ipfs-force-community/sophon-connect/types"
)

var log = logging.Logger("permit")

const (
	primaryPermit       = "Permit"
	primaryPermitSingle = "PermitSingle"
)

func parseErr(op string, err error) error {
	return types.NewError(types.ErrPermitParse, op, err)
}

// ParseTypedData decodes an EIP-712 payload as sent by eth_signTypedData(_v4).
func ParseTypedData(raw string) (*apitypes.TypedData, error) {
	var td apitypes.TypedData
	if err := json.Unmarshal([]byte(raw), &td); err != nil {
		return nil, parseErr("decode typed data", err)
	}
	if td.PrimaryType == "" || len(td.Types) == 0 {
		return nil, parseErr("decode typed data", errors.New("missing primaryType or types"))
	}
	return &td, nil
}

// HashTypedData returns keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func HashTypedData(td *apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, errors.Wrap(err, "hash domain")
	}
	messageHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, errors.Wrap(err, "hash message")
	}
	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}

// Parse extracts an EIP-2612 permit (or a DAI style / Permit2 single permit) from typed data.
// Typed data of any other primary type is not a permit: nil, nil.
func Parse(raw string) (*types.Permit, error) {
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return nil, parseErr("parse permit", errors.New("typed data is not an object"))
	}
	msg := doc.Get("message")
	p := &types.Permit{
		Token: doc.Get("domain.verifyingContract").String(),
	}
	chainID, err := parseChainID(doc.Get("domain.chainId"))
	if err != nil {
		return nil, parseErr("parse permit chain", err)
	}
	p.ChainID = chainID

	switch doc.Get("primaryType").String() {
	case primaryPermit:
		if msg.Get("holder").Exists() {
			// DAI: holder, spender, nonce, expiry, allowed
			p.Owner = msg.Get("holder").String()
			p.Deadline = value(msg.Get("expiry"))
			p.Value = "unlimited"
			if !msg.Get("allowed").Bool() {
				p.Value = "0"
			}
		} else {
			p.Owner = msg.Get("owner").String()
			p.Deadline = value(msg.Get("deadline"))
			p.Value = value(msg.Get("value"))
		}
		p.Spender = msg.Get("spender").String()
		p.Nonce = value(msg.Get("nonce"))
	case primaryPermitSingle:
		details := msg.Get("details")
		p.Token = details.Get("token").String()
		p.Value = value(details.Get("amount"))
		p.Nonce = value(details.Get("nonce"))
		p.Spender = msg.Get("spender").String()
		p.Deadline = value(msg.Get("sigDeadline"))
	default:
		return nil, nil
	}

	for name, addr := range map[string]string{"token": p.Token, "spender": p.Spender} {
		if !common.IsHexAddress(addr) {
			return nil, parseErr("parse permit", errors.Errorf("invalid %s address %q", name, addr))
		}
	}
	if p.Value == "" || p.Deadline == "" {
		return nil, parseErr("parse permit", errors.New("missing value or deadline"))
	}
	return p, nil
}

// Enrich attaches the parsed permit to a typed-data request. Parse failures only degrade the
// request to a plain one.
func Enrich(req *types.WalletRequest) {
	if req == nil || !req.Type.IsTypedData() || req.Message == nil {
		return
	}
	p, err := Parse(req.Message.RawMessage)
	if err != nil {
		log.Warnw("show typed data request without permit details", "request", req.InternalID, "err", err)
		return
	}
	if p != nil && p.Owner == "" {
		p.Owner = req.Account
	}
	req.Permit = p
}

func value(r gjson.Result) string {
	if r.Type == gjson.Number {
		return r.Raw
	}
	return r.String()
}

func parseChainID(r gjson.Result) (uint64, error) {
	switch r.Type {
	case gjson.Null:
		return 0, nil
	case gjson.Number:
		return strconv.ParseUint(r.Raw, 10, 64)
	case gjson.String:
		s := r.String()
		if strings.HasPrefix(s, "eip155:") {
			return types.ParseCAIP2(s)
		}
		return strconv.ParseUint(s, 0, 64)
	}
	return 0, errors.Errorf("unexpected chainId %s", r.Raw)
}
