package wcv2

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// envelopeType0 is a symmetric envelope: [type][iv][sealed].
const envelopeType0 byte = 0

var errEnvelopeType = errors.New("unsupported envelope type")

type keyPair struct {
	private [32]byte
	public  [32]byte
}

func generateKeyPair() (*keyPair, error) {
	kp := &keyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return nil, errors.Wrap(err, "generate private key")
	}
	curve25519.ScalarBaseMult(&kp.public, &kp.private)
	return kp, nil
}

func (kp *keyPair) publicHex() string {
	return hex.EncodeToString(kp.public[:])
}

// deriveSymKey agrees on a session key with the peer's x25519 public key, expanded through HKDF-SHA256.
func deriveSymKey(private [32]byte, peerPublic []byte) ([]byte, error) {
	shared, err := curve25519.X25519(private[:], peerPublic)
	if err != nil {
		return nil, errors.Wrap(err, "x25519")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), key); err != nil {
		return nil, errors.Wrap(err, "hkdf")
	}
	return key, nil
}

// topicOf is the relay topic of a symmetric key.
func topicOf(symKey []byte) string {
	sum := sha256.Sum256(symKey)
	return hex.EncodeToString(sum[:])
}

func encodeEnvelope(msg interface{}, symKey []byte) (string, error) {
	plain, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", errors.Wrap(err, "generate iv")
	}
	out := make([]byte, 0, 1+len(iv)+len(plain)+aead.Overhead())
	out = append(out, envelopeType0)
	out = append(out, iv...)
	out = aead.Seal(out, iv, plain, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func decodeEnvelope(message string, symKey []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(message)
	if err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return nil, err
	}
	if len(raw) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("envelope too short")
	}
	if raw[0] != envelopeType0 {
		return nil, errors.Wrapf(errEnvelopeType, "type %d", raw[0])
	}
	iv := raw[1 : 1+aead.NonceSize()]
	plain, err := aead.Open(nil, iv, raw[1+aead.NonceSize():], nil)
	if err != nil {
		return nil, errors.Wrap(err, "open envelope")
	}
	return plain, nil
}
