package types

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const testKey = "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"

func TestParseURI(t *testing.T) {
	t.Run("v1", func(t *testing.T) {
		uri, err := ParseURI("wc:abc@1?bridge=https%3A%2F%2Fbridge.example.org&key=" + testKey)
		require.NoError(t, err)
		require.Equal(t, V1, uri.Version)
		require.Equal(t, "abc", uri.Topic)
		require.Equal(t, "https://bridge.example.org", uri.Bridge)
		require.Len(t, uri.Key, 32)

		again, err := ParseURI(uri.String())
		require.NoError(t, err)
		require.Equal(t, uri.Bridge, again.Bridge)
		require.Equal(t, uri.Key, again.Key)
	})

	t.Run("v2", func(t *testing.T) {
		uri, err := ParseURI("wc:7f6e@2?relay-protocol=irn&symKey=" + testKey + "&expiryTimestamp=1700000000")
		require.NoError(t, err)
		require.Equal(t, V2, uri.Version)
		require.Equal(t, "7f6e", uri.Topic)
		require.Equal(t, "irn", uri.RelayProtocol)
		require.Equal(t, int64(1700000000), uri.Expiry.Unix())
		require.True(t, strings.HasPrefix(uri.String(), "wc:7f6e@2?relay-protocol=irn&symKey="))
	})

	t.Run("invalid", func(t *testing.T) {
		for _, raw := range []string{
			"",
			"hello world",
			"https://example.org",
			"wc:@1?bridge=x&key=" + testKey,
			"wc:abc@3?bridge=x&key=" + testKey,
			"wc:abc@1?key=" + testKey,
			"wc:abc@1?bridge=https%3A%2F%2Fb.org&key=zz",
			"wc:abc@1?bridge=https%3A%2F%2Fb.org&key=0102",
			"wc:abc@2?symKey=" + testKey,
			"wc:abc@2?relay-protocol=irn&symKey=" + testKey + "&expiryTimestamp=soon",
		} {
			_, err := ParseURI(raw)
			require.Error(t, err, raw)
			require.True(t, errors.Is(err, ErrInvalidURI), raw)
		}
	})
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transport("publish", cause)
	require.True(t, errors.Is(err, ErrTransport))
	require.True(t, errors.Is(err, cause))
	require.False(t, errors.Is(err, ErrTimeout))
	require.True(t, Retryable(err))
	require.Equal(t, "publish: transport error: connection reset", err.Error())

	// an already classified error keeps its kind
	timeout := NewError(ErrTimeout, "pair", nil)
	require.True(t, errors.Is(Transport("pair", timeout), ErrTimeout))
	require.Nil(t, Transport("noop", nil))
	require.False(t, Retryable(NewError(ErrUserRejected, "", nil)))
}
