package types

import (
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// PairingURI is a parsed "wc:" uri of either protocol version.
type PairingURI struct {
	Raw     string
	Version Version
	Topic   string

	// v1
	Bridge string
	Key    []byte

	// v2
	RelayProtocol string
	RelayData     string
	SymKey        []byte
	Expiry        time.Time
	Methods       []string
}

func invalidURI(format string, args ...interface{}) error {
	return NewError(ErrInvalidURI, "parse uri", errors.Errorf(format, args...))
}

// ParseURI accepts
//
//	wc:{topic}@1?bridge={url}&key={hex}
//	wc:{topic}@2?relay-protocol=irn&symKey={hex}[&expiryTimestamp={unix}][&methods=..]
func ParseURI(raw string) (*PairingURI, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "wc:") {
		return nil, invalidURI("missing wc: scheme")
	}
	body := strings.TrimPrefix(raw, "wc:")
	// "wc://" style deep links are seen in the wild
	body = strings.TrimPrefix(body, "//")

	at := strings.Index(body, "@")
	if at <= 0 {
		return nil, invalidURI("missing topic or version")
	}
	topic := body[:at]
	rest := body[at+1:]
	versionPart, query := rest, ""
	if q := strings.Index(rest, "?"); q >= 0 {
		versionPart, query = rest[:q], rest[q+1:]
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, NewError(ErrInvalidURI, "parse uri", err)
	}

	uri := &PairingURI{Raw: raw, Topic: topic}
	switch versionPart {
	case "1":
		uri.Version = V1
		uri.Bridge = values.Get("bridge")
		if uri.Bridge == "" {
			return nil, invalidURI("v1 uri without bridge")
		}
		if _, err := url.Parse(uri.Bridge); err != nil {
			return nil, NewError(ErrInvalidURI, "parse bridge", err)
		}
		if uri.Key, err = decodeKey(values.Get("key")); err != nil {
			return nil, err
		}
	case "2":
		uri.Version = V2
		uri.RelayProtocol = values.Get("relay-protocol")
		if uri.RelayProtocol == "" {
			return nil, invalidURI("v2 uri without relay-protocol")
		}
		uri.RelayData = values.Get("relay-data")
		if uri.SymKey, err = decodeKey(values.Get("symKey")); err != nil {
			return nil, err
		}
		if exp := values.Get("expiryTimestamp"); exp != "" {
			sec, err := strconv.ParseInt(exp, 10, 64)
			if err != nil {
				return nil, NewError(ErrInvalidURI, "parse expiryTimestamp", err)
			}
			uri.Expiry = time.Unix(sec, 0)
		}
		if methods := values.Get("methods"); methods != "" {
			uri.Methods = strings.Split(strings.Trim(methods, "[]"), ",")
		}
	default:
		return nil, invalidURI("unsupported version %q", versionPart)
	}
	return uri, nil
}

func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, invalidURI("missing key")
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, NewError(ErrInvalidURI, "decode key", err)
	}
	if len(key) != 32 {
		return nil, invalidURI("key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

// String renders the uri back in its canonical form.
func (u *PairingURI) String() string {
	switch u.Version {
	case V1:
		return "wc:" + u.Topic + "@1?bridge=" + url.QueryEscape(u.Bridge) + "&key=" + hex.EncodeToString(u.Key)
	case V2:
		s := "wc:" + u.Topic + "@2?relay-protocol=" + u.RelayProtocol + "&symKey=" + hex.EncodeToString(u.SymKey)
		if !u.Expiry.IsZero() {
			s += "&expiryTimestamp=" + strconv.FormatInt(u.Expiry.Unix(), 10)
		}
		return s
	}
	return u.Raw
}
