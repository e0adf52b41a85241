package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ipfs-force-community/sophon-connect/types"
)

const (
	accountA = "0xAAAaAAaAaaAAAaaaAAaaAAaaAaaAaAaAAaAaAAAA"
	accountB = "0xBbBBbbbBbBBbbbbbBBbbbBBbbBbBbbbbBBBBbbbb"
)

func newSession(account, id string, version types.Version, chains ...uint64) *types.Session {
	return &types.Session{
		ID:         id,
		Version:    version,
		Account:    account,
		Dapp:       types.DappInfo{Name: "dapp-" + id, URL: "https://" + id + ".example.org"},
		Chains:     chains,
		CreateTime: time.Now(),
	}
}

func TestAddSession(t *testing.T) {
	ctx := context.Background()

	t.Run("ordered by creation", func(t *testing.T) {
		store := NewStore(nil)
		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, store.AddSession(ctx, newSession(accountA, id, types.V2, 1, 10)))
		}
		sessions := store.ListSessions(accountA)
		require.Len(t, sessions, 3)
		require.Equal(t, "c", sessions[0].ID)
		require.Equal(t, "a", sessions[1].ID)
		require.Equal(t, "b", sessions[2].ID)
	})

	t.Run("idempotent upsert", func(t *testing.T) {
		store := NewStore(nil)
		first := newSession(accountA, "s1", types.V1, 1)
		require.NoError(t, store.AddSession(ctx, first))
		require.NoError(t, store.AddSession(ctx, newSession(accountA, "s2", types.V1, 1)))

		updated := newSession(accountA, "s1", types.V1, 1)
		updated.Dapp.Name = "renamed"
		require.NoError(t, store.AddSession(ctx, updated))
		require.NoError(t, store.AddSession(ctx, updated))

		sessions := store.ListSessions(accountA)
		require.Len(t, sessions, 2)
		require.Equal(t, "s1", sessions[0].ID)
		require.Equal(t, "renamed", sessions[0].Dapp.Name)
		require.True(t, first.CreateTime.Equal(sessions[0].CreateTime))
	})

	t.Run("account casing shares sessions", func(t *testing.T) {
		store := NewStore(nil)
		require.NoError(t, store.AddSession(ctx, newSession(accountA, "s1", types.V2, 1)))
		_, ok := store.GetSession("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "s1")
		require.True(t, ok)
	})

	t.Run("version conflict", func(t *testing.T) {
		store := NewStore(nil)
		require.NoError(t, store.AddSession(ctx, newSession(accountA, "s1", types.V2, 1)))
		require.Error(t, store.AddSession(ctx, newSession(accountA, "s1", types.V1, 1)))
	})

	t.Run("invalid session", func(t *testing.T) {
		store := NewStore(nil)
		require.Equal(t, types.ErrV1MultiChain, store.AddSession(ctx, newSession(accountA, "s1", types.V1, 1, 5)))
		require.Empty(t, store.ListAll())
	})

	t.Run("returned sessions are copies", func(t *testing.T) {
		store := NewStore(nil)
		require.NoError(t, store.AddSession(ctx, newSession(accountA, "s1", types.V2, 1)))
		s, _ := store.GetSession(accountA, "s1")
		s.Chains[0] = 99
		s, _ = store.GetSession(accountA, "s1")
		require.Equal(t, []uint64{1}, s.Chains)
	})
}

func TestRemoveSession(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	require.NoError(t, store.AddSession(ctx, newSession(accountA, "s1", types.V1, 1)))
	require.NoError(t, store.AddSession(ctx, newSession(accountA, "s2", types.V2, 1)))

	removed, err := store.RemoveSession(ctx, accountA, "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", removed.ID)

	removed, err = store.RemoveSession(ctx, accountA, "s1")
	require.NoError(t, err)
	require.Nil(t, removed)

	removed, err = store.RemoveSession(ctx, accountB, "s2")
	require.NoError(t, err)
	require.Nil(t, removed)

	require.Len(t, store.ListSessions(accountA), 1)

	_, err = store.RemoveSession(ctx, accountA, "s2")
	require.NoError(t, err)
	require.Empty(t, store.ListAccounts())
}

func TestRemoveSessionsForAccount(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	require.NoError(t, store.AddSession(ctx, newSession(accountA, "a1", types.V1, 1)))
	require.NoError(t, store.AddSession(ctx, newSession(accountA, "a2", types.V2, 1, 137)))
	require.NoError(t, store.AddSession(ctx, newSession(accountB, "b1", types.V2, 10)))
	require.NoError(t, store.AddSession(ctx, newSession(accountB, "a1", types.V1, 1)))

	before := store.ListSessions(accountB)

	removed, err := store.RemoveSessionsForAccount(ctx, accountA)
	require.NoError(t, err)
	require.Len(t, removed, 2)
	require.Empty(t, store.ListSessions(accountA))
	require.Equal(t, before, store.ListSessions(accountB))
	require.Equal(t, []string{accountB}, store.ListAccounts())

	removed, err = store.RemoveSessionsForAccount(ctx, accountA)
	require.NoError(t, err)
	require.Empty(t, removed)
}

func TestSetActiveChain(t *testing.T) {
	ctx := context.Background()
	store := NewStore(nil)
	require.NoError(t, store.AddSession(ctx, newSession(accountA, "v1", types.V1, 1)))
	require.NoError(t, store.AddSession(ctx, newSession(accountA, "v2", types.V2, 1, 10)))

	updated, err := store.SetActiveChain(ctx, accountA, "v1", 137)
	require.NoError(t, err)
	require.Equal(t, []uint64{137}, updated.Chains)
	require.Equal(t, uint64(137), updated.Dapp.ChainID)

	_, err = store.SetActiveChain(ctx, accountA, "v2", 137)
	require.Error(t, err)
	_, err = store.SetActiveChain(ctx, accountA, "missing", 137)
	require.Error(t, err)
}

func TestFilePersister(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "sessions.json")
	persist, err := NewFilePersister(path)
	require.NoError(t, err)

	store := NewStore(persist)
	require.NoError(t, store.Load(ctx))
	require.Empty(t, store.ListAll())

	s1 := newSession(accountA, "s1", types.V2, 1, 10)
	s1.Namespaces = types.Namespaces{"eip155": {
		Chains:   []string{"eip155:1", "eip155:10"},
		Methods:  []string{"personal_sign"},
		Events:   []string{"chainChanged"},
		Accounts: []string{types.CAIP10(1, accountA), types.CAIP10(10, accountA)},
	}}
	s1.Transport = &types.TransportState{Topic: "s1", SymKey: "00ff", RelayURL: "wss://relay.example.org"}
	require.NoError(t, store.AddSession(ctx, s1))
	s2 := newSession(accountB, "s2", types.V1, 5)
	s2.CreateTime = s1.CreateTime.Add(time.Second)
	require.NoError(t, store.AddSession(ctx, s2))

	restored := NewStore(persist)
	require.NoError(t, restored.Load(ctx))
	got, ok := restored.GetSession(accountA, "s1")
	require.True(t, ok)

	// lossless round trip
	want, err := json.Marshal(s1)
	require.NoError(t, err)
	have, err := json.Marshal(got)
	require.NoError(t, err)
	require.JSONEq(t, string(want), string(have))
	require.Len(t, restored.ListAll(), 2)

	_, err = restored.RemoveSessionsForAccount(ctx, accountA)
	require.NoError(t, err)
	again := NewStore(persist)
	require.NoError(t, again.Load(ctx))
	require.Len(t, again.ListAll(), 1)
}

func TestConcurrentWritesPersistLastState(t *testing.T) {
	ctx := context.Background()
	persist, err := NewFilePersister(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, err)
	store := NewStore(persist)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				id := fmt.Sprintf("s%d-%d", i, j)
				require.NoError(t, store.AddSession(ctx, newSession(accountA, id, types.V1, 1)))
				if j%2 == 0 {
					_, err := store.RemoveSession(ctx, accountA, id)
					require.NoError(t, err)
				}
			}
		}(i)
	}
	wg.Wait()

	ids := func(sessions []*types.Session) []string {
		out := make([]string, 0, len(sessions))
		for _, session := range sessions {
			out = append(out, session.ID)
		}
		return out
	}
	want := ids(store.ListAll())
	require.Len(t, want, 80)

	reloaded := NewStore(persist)
	require.NoError(t, reloaded.Load(ctx))
	require.ElementsMatch(t, want, ids(reloaded.ListAll()))
}
