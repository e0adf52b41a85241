package types

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// RequestType is a dapp RPC method the wallet surfaces to the user.
type RequestType string

const (
	PersonalSign       = RequestType("personal_sign")
	SignTypedData      = RequestType("eth_signTypedData")
	SignTypedDataV4    = RequestType("eth_signTypedData_v4")
	EthSign            = RequestType("eth_sign")
	SendTransaction    = RequestType("eth_sendTransaction")
	UnknownRequestType = RequestType("")
)

// ValidRequestTypes is the allow-list, anything else is answered as unsupported.
var ValidRequestTypes = []RequestType{
	PersonalSign,
	SignTypedData,
	SignTypedDataV4,
	EthSign,
	SendTransaction,
}

func (t RequestType) Valid() bool {
	for _, v := range ValidRequestTypes {
		if v == t {
			return true
		}
	}
	return false
}

func (t RequestType) IsTransaction() bool {
	return t == SendTransaction
}

func (t RequestType) IsTypedData() bool {
	return t == SignTypedData || t == SignTypedDataV4
}

// Methods lists the allow-list as strings, sorted the way it is declared.
func Methods() []string {
	out := make([]string, 0, len(ValidRequestTypes))
	for _, t := range ValidRequestTypes {
		out = append(out, string(t))
	}
	return out
}

// ParsedParams is the payload carried by a supported method, independent of the wire version.
type ParsedParams struct {
	Account     string
	Message     *SignPayload
	Transaction *TxPayload
}

// ParseRequestParams decodes the JSON params array of a supported method.
//
//	personal_sign         [message, address]
//	eth_sign              [address, message]
//	eth_signTypedData*    [address, typedData]
//	eth_sendTransaction   [tx]
func ParseRequestParams(method RequestType, params []byte) (*ParsedParams, error) {
	if !method.Valid() {
		return nil, NewError(ErrUnsupportedMethod, "parse params", errors.Errorf("method %q", method))
	}
	arr := gjson.ParseBytes(params).Array()
	switch method {
	case PersonalSign:
		if len(arr) < 2 {
			return nil, errors.Errorf("%s expects 2 params, got %d", method, len(arr))
		}
		raw := arr[0].String()
		return &ParsedParams{
			Account: normalizeAccount(arr[1].String()),
			Message: &SignPayload{Message: decodeMessage(raw), RawMessage: raw},
		}, nil
	case EthSign:
		if len(arr) < 2 {
			return nil, errors.Errorf("%s expects 2 params, got %d", method, len(arr))
		}
		raw := arr[1].String()
		return &ParsedParams{
			Account: normalizeAccount(arr[0].String()),
			Message: &SignPayload{Message: decodeMessage(raw), RawMessage: raw},
		}, nil
	case SignTypedData, SignTypedDataV4:
		if len(arr) < 2 {
			return nil, errors.Errorf("%s expects 2 params, got %d", method, len(arr))
		}
		// typed data may arrive as an object or as a json encoded string
		raw := arr[1].Raw
		if arr[1].Type == gjson.String {
			raw = arr[1].String()
		}
		return &ParsedParams{
			Account: normalizeAccount(arr[0].String()),
			Message: &SignPayload{Message: raw, RawMessage: raw},
		}, nil
	case SendTransaction:
		if len(arr) < 1 || !arr[0].IsObject() {
			return nil, errors.Errorf("%s expects a transaction object", method)
		}
		var tx TxPayload
		if err := json.Unmarshal([]byte(arr[0].Raw), &tx); err != nil {
			return nil, errors.Wrap(err, "unmarshal transaction")
		}
		if !common.IsHexAddress(tx.From) {
			return nil, errors.Errorf("invalid transaction sender %q", tx.From)
		}
		return &ParsedParams{Account: normalizeAccount(tx.From), Transaction: &tx}, nil
	}
	return nil, NewError(ErrUnsupportedMethod, "parse params", errors.Errorf("method %q", method))
}

// decodeMessage renders hex encoded utf8 messages as text, anything else is shown verbatim.
func decodeMessage(raw string) string {
	if !strings.HasPrefix(raw, "0x") {
		return raw
	}
	b, err := hexutil.Decode(raw)
	if err != nil || !utf8.Valid(b) {
		return raw
	}
	return string(b)
}

func normalizeAccount(addr string) string {
	if common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}

// SameAccount compares two addresses case-insensitively.
func SameAccount(a, b string) bool {
	return strings.EqualFold(a, b)
}
