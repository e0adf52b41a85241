package wcv2

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/gbrlsnchs/jwt/v3"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
	"github.com/pkg/errors"
)

const (
	didPrefix = "did:key:"
	// multicodec ed25519-pub
	ed25519Codec = 0xed

	relayTokenTTL = 24 * time.Hour
)

// edDSA signs with jwt's Ed25519 algorithm under the "EdDSA" name the relay expects.
type edDSA struct {
	*jwt.Ed25519
}

func (edDSA) Name() string { return "EdDSA" }

// relayIdentity is the client's ed25519 key, announced to the relay as a did:key.
type relayIdentity struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

func newRelayIdentity() (*relayIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate relay identity")
	}
	return &relayIdentity{private: priv, public: pub}, nil
}

func encodeDIDKey(pub ed25519.PublicKey) (string, error) {
	data := append(varint.ToUvarint(ed25519Codec), pub...)
	encoded, err := multibase.Encode(multibase.Base58BTC, data)
	if err != nil {
		return "", err
	}
	return didPrefix + encoded, nil
}

func decodeDIDKey(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didPrefix) {
		return nil, errors.Errorf("not a did:key %q", did)
	}
	_, data, err := multibase.Decode(strings.TrimPrefix(did, didPrefix))
	if err != nil {
		return nil, errors.Wrap(err, "decode did:key")
	}
	codec, n, err := varint.FromUvarint(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode did:key codec")
	}
	if codec != ed25519Codec || len(data)-n != ed25519.PublicKeySize {
		return nil, errors.Errorf("did:key is not an ed25519 key")
	}
	return ed25519.PublicKey(data[n:]), nil
}

// Token signs the relay auth jwt for relayURL.
func (id *relayIdentity) Token(relayURL string, now time.Time) (string, error) {
	iss, err := encodeDIDKey(id.public)
	if err != nil {
		return "", err
	}
	sub := make([]byte, 32)
	if _, err := rand.Read(sub); err != nil {
		return "", err
	}
	payload := jwt.Payload{
		Issuer:         iss,
		Subject:        hex.EncodeToString(sub),
		Audience:       jwt.Audience{relayURL},
		IssuedAt:       jwt.NumericDate(now),
		ExpirationTime: jwt.NumericDate(now.Add(relayTokenTTL)),
	}
	token, err := jwt.Sign(payload, edDSA{jwt.NewEd25519(jwt.Ed25519PrivateKey(id.private))})
	if err != nil {
		return "", errors.Wrap(err, "sign relay token")
	}
	return string(token), nil
}

// verifyRelayToken checks a token against the did:key in its issuer, as a relay does.
func verifyRelayToken(token string) (*jwt.Payload, error) {
	var payload jwt.Payload
	// the issuer is needed before the signature can be checked
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("malformed token")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errors.Wrap(err, "decode token payload")
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrap(err, "unmarshal token payload")
	}
	pub, err := decodeDIDKey(payload.Issuer)
	if err != nil {
		return nil, err
	}
	alg := edDSA{jwt.NewEd25519(jwt.Ed25519PublicKey(pub))}
	if _, err := jwt.Verify([]byte(token), alg, &payload); err != nil {
		return nil, errors.Wrap(err, "verify relay token")
	}
	return &payload, nil
}
