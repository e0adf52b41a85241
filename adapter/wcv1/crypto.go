package wcv1

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// encryptedPayload is the "payload" of a bridge pub message.
type encryptedPayload struct {
	Data string `json:"data"`
	Hmac string `json:"hmac"`
	IV   string `json:"iv"`
}

var errHmacMismatch = errors.New("inconsistent message hmac")

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func hmacSha256(data, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// encrypt seals plaintext with AES-256-CBC and authenticates cipher||iv with HMAC-SHA256.
func encrypt(plaintext, key []byte) (*encryptedPayload, error) {
	iv, err := randomBytes(aes.BlockSize)
	if err != nil {
		return nil, errors.Wrap(err, "generate iv")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create cipher block")
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	data := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(data, padded)

	mac := hmacSha256(append(append([]byte{}, data...), iv...), key)
	return &encryptedPayload{
		Data: hex.EncodeToString(data),
		Hmac: hex.EncodeToString(mac),
		IV:   hex.EncodeToString(iv),
	}, nil
}

func decrypt(payload *encryptedPayload, key []byte) ([]byte, error) {
	data, err := hex.DecodeString(payload.Data)
	if err != nil {
		return nil, errors.Wrap(err, "decode data hex")
	}
	iv, err := hex.DecodeString(payload.IV)
	if err != nil {
		return nil, errors.Wrap(err, "decode iv hex")
	}
	mac, err := hex.DecodeString(payload.Hmac)
	if err != nil {
		return nil, errors.Wrap(err, "decode hmac hex")
	}
	if !hmac.Equal(mac, hmacSha256(append(append([]byte{}, data...), iv...), key)) {
		return nil, errHmacMismatch
	}
	if len(iv) != aes.BlockSize || len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("malformed cipher text")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create cipher block")
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)
	return pkcs7Unpad(plain, aes.BlockSize)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(append([]byte{}, data...), bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}

// seal encrypts a json-rpc message into the string carried by a bridge pub frame.
func seal(msg interface{}, key []byte) (string, error) {
	plain, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	payload, err := encrypt(plain, key)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(payload)
	return string(out), err
}

func open(raw string, key []byte) ([]byte, error) {
	var payload encryptedPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, errors.Wrap(err, "unmarshal encrypted payload")
	}
	return decrypt(&payload, key)
}
