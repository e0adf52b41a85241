package cmds

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDialArgs(t *testing.T) {
	addr, err := DialArgs("/ip4/127.0.0.1/tcp/45133")
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:45133/rpc/v0", addr)

	addr, err = DialArgs("http://127.0.0.1:45133")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:45133/rpc/v0", addr)
}

func TestParseChainID(t *testing.T) {
	chainID, err := parseChainID("137")
	require.NoError(t, err)
	require.Equal(t, uint64(137), chainID)

	chainID, err = parseChainID("0x89")
	require.NoError(t, err)
	require.Equal(t, uint64(137), chainID)

	_, err = parseChainID("polygon")
	require.Error(t, err)
}
