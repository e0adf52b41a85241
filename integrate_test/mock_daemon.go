package integrate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/plugin/ochttp"

	"github.com/ipfs-force-community/metrics"

	"github.com/ipfs-force-community/sophon-connect/adapter"
	"github.com/ipfs-force-community/sophon-connect/analytics"
	"github.com/ipfs-force-community/sophon-connect/api"
	"github.com/ipfs-force-community/sophon-connect/config"
	"github.com/ipfs-force-community/sophon-connect/requestqueue"
	"github.com/ipfs-force-community/sophon-connect/sessionstore"
	"github.com/ipfs-force-community/sophon-connect/signer"
	"github.com/ipfs-force-community/sophon-connect/testhelper"
	"github.com/ipfs-force-community/sophon-connect/types"
	"github.com/ipfs-force-community/sophon-connect/utils"
	"github.com/ipfs-force-community/sophon-connect/version"
	"github.com/ipfs-force-community/sophon-connect/walletconnect"
)

var log = logging.Logger("mock main")

type testConfig struct {
	remoteSigner   bool
	pairingTimeout time.Duration
	requestTimeout time.Duration
	clearInterval  time.Duration
}

func defaultTestConfig() testConfig {
	return testConfig{
		pairingTimeout: time.Minute,
		requestTimeout: time.Minute * 5,
		clearInterval:  time.Second,
	}
}

type mockDaemon struct {
	url   string
	token []byte
	local *utils.LocalJwtClient

	v1     *testhelper.MockAdapter
	v2     *testhelper.MockAdapter
	signer *testhelper.MemSigner
	store  *sessionstore.Store
}

// MockMain wires the daemon the way RunMain does, with mock adapters in place of the bridge and relay.
func MockMain(ctx context.Context, repoPath string, cfg *config.Config, tcfg testConfig) (*mockDaemon, error) {
	d := &mockDaemon{
		v1:     testhelper.NewMockAdapter(types.V1, requestqueue.BusyReject),
		v2:     testhelper.NewMockAdapter(types.V2, requestqueue.BusyQueue),
		signer: testhelper.NewMemSigner(),
	}
	d.v1.AutoPropose = true

	persister, err := sessionstore.NewFilePersister(config.RepoPath(repoPath, cfg.Store.Path))
	if err != nil {
		return nil, err
	}
	d.store = sessionstore.NewStore(persister)

	var remote *signer.RemoteSigner
	var processor types.ISigner = d.signer
	if tcfg.remoteSigner {
		remote = signer.NewRemoteSigner(ctx, &types.RequestConfig{
			RequestQueueSize: 30,
			RequestTimeout:   tcfg.requestTimeout,
			ClearInterval:    tcfg.clearInterval,
		})
		processor = remote
	}

	manager := walletconnect.New(ctx, &walletconnect.Config{
		PairingTimeout:  tcfg.pairingTimeout,
		SupportedChains: cfg.WalletConnect.SupportedChains,
		Queue: &requestqueue.Config{
			RequestTimeout: tcfg.requestTimeout,
			ClearInterval:  tcfg.clearInterval,
			MaxBacklog:     cfg.WalletConnect.MaxBacklog,
		},
		UIEventBuffer: cfg.WalletConnect.UIEventBuffer,
	}, adapter.NewRegistry(d.v1, d.v2), d.store, processor, analytics.NewReporter(nil))
	if err := manager.Start(ctx); err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = manager.Close()
	}()

	log.Infof("sophon-connect current version %s", version.UserVersion)

	connectAPI := api.NewPermissionedAPI(api.NewConnectAPIImpl(manager, remote))

	mux := mux.NewRouter()
	rpcServer := jsonrpc.NewServer()
	rpcServer.Register(api.Namespace, connectAPI)
	mux.Handle("/rpc/v0", rpcServer)

	d.local, err = utils.NewLocalJwtClient(repoPath)
	if err != nil {
		return nil, err
	}
	d.token = d.local.Token

	handler := (http.Handler)(utils.NewAuthMux(d.local, mux))

	repoter, err := metrics.RegisterJaeger(cfg.Trace.ServerName, cfg.Trace)
	if err != nil {
		return nil, err
	}
	if repoter != nil {
		defer metrics.UnregisterJaeger(repoter)
		handler = &ochttp.Handler{Handler: handler}
	}

	srv := httptest.NewServer(handler)
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	d.url = srv.URL
	return d, nil
}
