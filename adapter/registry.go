package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/ipfs-force-community/sophon-connect/requestqueue"
	"github.com/ipfs-force-community/sophon-connect/types"
)

var log = logging.Logger("adapter")

var _ requestqueue.Responder = (*Registry)(nil)

// Registry dispatches on the protocol version so nothing above it has to.
type Registry struct {
	lk       sync.RWMutex
	adapters map[types.Version]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[types.Version]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if _, ok := r.adapters[a.Version()]; ok {
		log.Warnf("replace adapter %s", a.Version())
	}
	r.adapters[a.Version()] = a
}

func (r *Registry) Get(version types.Version) (Adapter, error) {
	r.lk.RLock()
	defer r.lk.RUnlock()
	a, ok := r.adapters[version]
	if !ok {
		return nil, fmt.Errorf("no adapter for protocol %s", version)
	}
	return a, nil
}

func (r *Registry) Versions() []types.Version {
	r.lk.RLock()
	defer r.lk.RUnlock()
	out := make([]types.Version, 0, len(r.adapters))
	for v := range r.adapters {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) all() []Adapter {
	versions := r.Versions()
	out := make([]Adapter, 0, len(versions))
	r.lk.RLock()
	defer r.lk.RUnlock()
	for _, v := range versions {
		out = append(out, r.adapters[v])
	}
	return out
}

func (r *Registry) Listen(sink EventSink) {
	for _, a := range r.all() {
		a.Listen(sink)
	}
}

// Restore hands each adapter the persisted sessions of its own version.
func (r *Registry) Restore(ctx context.Context, sessions []*types.Session) error {
	byVersion := make(map[types.Version][]*types.Session)
	for _, s := range sessions {
		byVersion[s.Version] = append(byVersion[s.Version], s)
	}
	var result error
	for _, a := range r.all() {
		if err := a.Restore(ctx, byVersion[a.Version()]); err != nil {
			result = multierr.Append(result, fmt.Errorf("restore %s sessions: %w", a.Version(), err))
		}
	}
	return result
}

func (r *Registry) BusyPolicy(version types.Version) requestqueue.BusyPolicy {
	a, err := r.Get(version)
	if err != nil {
		return requestqueue.BusyReject
	}
	return a.BusyPolicy()
}

func (r *Registry) Respond(ctx context.Context, req *types.WalletRequest, outcome types.Outcome) error {
	a, err := r.Get(req.Version)
	if err != nil {
		return err
	}
	return a.Respond(ctx, req, outcome)
}

func (r *Registry) Close() error {
	var result error
	for _, a := range r.all() {
		if err := a.Close(); err != nil {
			result = multierr.Append(result, err)
		}
	}
	return result
}
