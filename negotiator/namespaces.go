package negotiator

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/ipfs-force-community/sophon-connect/types"
)

const eip155 = "eip155"

// SupportedEvents are granted on every namespace.
var SupportedEvents = []string{"accountsChanged", "chainChanged"}

var ErrUnsupportedChain = errors.New("unsupported chain")

// BuildNamespaces grants account on every proposed chain with the wallet's methods and events.
// Required chains must all be supported, optional ones are granted when supported. The output only
// depends on the inputs: chains are deduplicated and sorted, as are methods and events.
func BuildNamespaces(account string, pending *types.PendingSession, supported []uint64) (types.Namespaces, error) {
	if account == "" {
		return nil, types.ErrEmptySessionAccount
	}
	isSupported := make(map[uint64]bool, len(supported))
	for _, c := range supported {
		isSupported[c] = true
	}

	required, err := namespaceChains(pending.RequiredNamespaces, true)
	if err != nil {
		return nil, err
	}
	optional, _ := namespaceChains(pending.OptionalNamespaces, false)
	required = append(required, pending.ProposedChains()...)

	granted := make(map[uint64]struct{})
	for _, c := range required {
		if !isSupported[c] {
			return nil, errors.Wrapf(ErrUnsupportedChain, "required chain %d", c)
		}
		granted[c] = struct{}{}
	}
	for _, c := range optional {
		if isSupported[c] {
			granted[c] = struct{}{}
		}
	}
	if len(granted) == 0 {
		return nil, errors.Wrap(ErrUnsupportedChain, "no supported chain proposed")
	}

	chainIDs := make([]uint64, 0, len(granted))
	for c := range granted {
		chainIDs = append(chainIDs, c)
	}
	sort.Slice(chainIDs, func(i, j int) bool { return chainIDs[i] < chainIDs[j] })

	ns := types.Namespace{
		Chains:   make([]string, 0, len(chainIDs)),
		Accounts: make([]string, 0, len(chainIDs)),
		Methods:  sortedCopy(types.Methods()),
		Events:   sortedCopy(SupportedEvents),
	}
	for _, c := range chainIDs {
		ns.Chains = append(ns.Chains, types.CAIP2(c))
		ns.Accounts = append(ns.Accounts, types.CAIP10(c, account))
	}
	return types.Namespaces{eip155: ns}, nil
}

// ChainsOf lists the chain ids granted by namespaces, sorted.
func ChainsOf(namespaces types.Namespaces) []uint64 {
	chains, _ := namespaceChains(namespaces, false)
	seen := make(map[uint64]struct{}, len(chains))
	out := make([]uint64, 0, len(chains))
	for _, c := range chains {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// namespaceChains accepts both "eip155" keys listing chains and chain scoped "eip155:1" keys.
// Unless strict, namespaces of other ecosystems are skipped.
func namespaceChains(namespaces types.Namespaces, strict bool) ([]uint64, error) {
	var out []uint64
	for key, ns := range namespaces {
		refs := ns.Chains
		if strings.Contains(key, ":") {
			refs = []string{key}
		} else if key != eip155 {
			if strict {
				return nil, errors.Errorf("unsupported namespace %q", key)
			}
			continue
		}
		for _, ref := range refs {
			id, err := types.ParseCAIP2(ref)
			if err != nil {
				if strict {
					return nil, err
				}
				continue
			}
			out = append(out, id)
		}
	}
	return out, nil
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
