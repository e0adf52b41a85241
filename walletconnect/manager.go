package walletconnect

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/ipfs-force-community/sophon-connect/adapter"
	"github.com/ipfs-force-community/sophon-connect/analytics"
	"github.com/ipfs-force-community/sophon-connect/eventbridge"
	"github.com/ipfs-force-community/sophon-connect/negotiator"
	"github.com/ipfs-force-community/sophon-connect/requestqueue"
	"github.com/ipfs-force-community/sophon-connect/sessionstore"
	"github.com/ipfs-force-community/sophon-connect/supervisor"
	"github.com/ipfs-force-community/sophon-connect/types"
)

var log = logging.Logger("wc_manager")

var ErrNoActiveAccount = errors.New("no active account selected")

type Config struct {
	PairingTimeout  time.Duration
	SupportedChains []uint64
	Queue           *requestqueue.Config
	// UIEventBuffer is the per listener buffer, a listener falling further behind loses events
	UIEventBuffer int
}

func DefaultConfig() *Config {
	return &Config{
		PairingTimeout:  supervisor.DefaultPairingTimeout,
		SupportedChains: []uint64{1, 10, 56, 137, 8453, 42161},
		Queue:           requestqueue.DefaultConfig(),
		UIEventBuffer:   64,
	}
}

// pairAttempt is the scan the supervisor currently guards.
type pairAttempt struct {
	attempt uint64
	version types.Version
	topic   string
	start   time.Time
}

// Manager wires the session store, negotiator, request queue and supervisor to the protocol
// adapters and the external collaborators.
type Manager struct {
	ctx context.Context
	cfg *Config

	store      *sessionstore.Store
	registry   *adapter.Registry
	negotiator *negotiator.Negotiator
	queue      *requestqueue.Queue
	supervisor *supervisor.Supervisor
	bridge     *eventbridge.Bridge

	signer    types.ISigner
	analytics types.IAnalytics

	lk            sync.Mutex
	activeAccount string
	pairing       *pairAttempt
	// signed keeps results whose wire response failed so a retry does not sign twice
	signed map[string]string

	subLk sync.Mutex
	subs  map[uuid.UUID]chan *types.UIEvent
}

func New(ctx context.Context, cfg *Config, registry *adapter.Registry, store *sessionstore.Store, signer types.ISigner, tracker types.IAnalytics) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.UIEventBuffer <= 0 {
		cfg.UIEventBuffer = 64
	}
	if tracker == nil {
		tracker = analytics.NewReporter(nil)
	}
	m := &Manager{
		ctx:       ctx,
		cfg:       cfg,
		store:     store,
		registry:  registry,
		signer:    signer,
		analytics: tracker,
		signed:    make(map[string]string),
		subs:      make(map[uuid.UUID]chan *types.UIEvent),
	}
	m.negotiator = negotiator.New(registry, store, cfg.SupportedChains, negotiator.Hooks{
		OnTransition: m.onPendingTransition,
	})
	m.queue = requestqueue.NewQueue(ctx, cfg.Queue, registry, requestqueue.Hooks{
		OnCurrent: m.onRequestCurrent,
		OnSettled: m.onRequestSettled,
	})
	m.supervisor = supervisor.New(cfg.PairingTimeout,
		supervisor.OnChange(m.onScanState),
		supervisor.OnTimeout(m.onPairingTimeout),
	)
	m.bridge = eventbridge.New(m.HandleEvent)
	return m
}

// Start loads persisted sessions, hands them back to their adapters and starts delivering adapter events.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.store.Load(ctx); err != nil {
		return err
	}
	m.registry.Listen(m.bridge)
	sessions := m.store.ListAll()
	if err := m.registry.Restore(ctx, sessions); err != nil {
		// sessions that failed to resubscribe stay listed, the user can still disconnect them
		log.Errorf("restore sessions: %v", err)
	}
	go m.bridge.Run(ctx)
	log.Infof("walletconnect manager started with %d sessions, protocols %v", len(sessions), m.registry.Versions())
	return nil
}

func (m *Manager) Close() error {
	m.bridge.Close()
	m.supervisor.Stop()

	m.subLk.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.subLk.Unlock()

	return m.registry.Close()
}

func (m *Manager) track(event *types.LifecycleEvent) {
	m.analytics.Track(m.ctx, event)
}

func (m *Manager) ListSessions(_ context.Context, account string) ([]*types.Session, error) {
	return m.store.ListSessions(account), nil
}

func (m *Manager) ListAllSessions(context.Context) ([]*types.Session, error) {
	return m.store.ListAll(), nil
}

func (m *Manager) ListPendingSessions(context.Context) ([]*types.PendingSession, error) {
	return m.negotiator.List(), nil
}

// PendingSession is the proposal the UI should show, nil when there is none.
func (m *Manager) PendingSession(context.Context) (*types.PendingSession, error) {
	return m.negotiator.Current(), nil
}

func (m *Manager) CurrentRequest(context.Context) (*types.WalletRequest, error) {
	return m.queue.Current(), nil
}

func (m *Manager) ScanState(context.Context) (types.ScanState, error) {
	return m.supervisor.State(), nil
}

func (m *Manager) DismissScanError(context.Context) error {
	m.supervisor.DismissError()
	return nil
}

func (m *Manager) SupportedChains() []uint64 {
	return m.negotiator.SupportedChains()
}

func (m *Manager) ActiveAccount(context.Context) (string, error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	return m.activeAccount, nil
}
