package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/etherlabsio/healthcheck/v2"
	"github.com/filecoin-project/go-jsonrpc"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	multiaddr "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/plugin/ochttp"

	"github.com/ipfs-force-community/metrics"

	"github.com/ipfs-force-community/sophon-connect/adapter"
	"github.com/ipfs-force-community/sophon-connect/adapter/wcv1"
	"github.com/ipfs-force-community/sophon-connect/adapter/wcv2"
	"github.com/ipfs-force-community/sophon-connect/analytics"
	"github.com/ipfs-force-community/sophon-connect/api"
	"github.com/ipfs-force-community/sophon-connect/cmds"
	"github.com/ipfs-force-community/sophon-connect/config"
	connectMetrics "github.com/ipfs-force-community/sophon-connect/metrics"
	"github.com/ipfs-force-community/sophon-connect/requestqueue"
	"github.com/ipfs-force-community/sophon-connect/sessionstore"
	"github.com/ipfs-force-community/sophon-connect/signer"
	"github.com/ipfs-force-community/sophon-connect/types"
	"github.com/ipfs-force-community/sophon-connect/utils"
	"github.com/ipfs-force-community/sophon-connect/version"
	"github.com/ipfs-force-community/sophon-connect/walletconnect"
)

var log = logging.Logger("main")

func main() {
	_ = logging.SetLogLevel("*", "INFO")

	app := &cli.App{
		Name:  "sophon-connect",
		Usage: "sophon-connect pairs dapps over wallet connect and routes their requests to a signer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "host address and port the api will listen on, overrides the config file",
			},
			&cli.StringFlag{
				Name:    "repo",
				Usage:   "repo directory holding the config, secret, token and sessions",
				Value:   config.DefaultRepo,
				EnvVars: []string{"SOPHON_CONNECT_REPO"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
		},
		Before: func(cctx *cli.Context) error {
			return logging.SetLogLevel("*", cctx.String("log-level"))
		},
		Commands: []*cli.Command{
			runCmd,
			cmds.PairingCmds,
			cmds.PendingCmds,
			cmds.SessionCmds,
			cmds.RequestCmds,
			cmds.AccountCmds,
			cmds.SignerCmds,
			cmds.TokenCmd,
		},
	}
	app.Version = version.UserVersion
	if err := app.Run(os.Args); err != nil {
		log.Warn(err)
		os.Exit(1)
	}
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "start sophon-connect daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "jaeger-proxy", EnvVars: []string{"SOPHON_CONNECT_JAEGER_PROXY"}},
		&cli.Float64Flag{Name: "trace-sampler", EnvVars: []string{"SOPHON_CONNECT_TRACE_SAMPLER"}, Value: 1.0},
		&cli.StringFlag{Name: "signer-mode", Usage: "local or remote, overrides the config file"},
	},
	Action: func(cctx *cli.Context) error {
		repo, err := config.ExpandRepo(cctx.String("repo"))
		if err != nil {
			return err
		}
		cfg, err := config.LoadOrInit(repo)
		if err != nil {
			return errors.Wrap(err, "load config")
		}
		if cctx.IsSet("listen") {
			cfg.API.ListenAddress = cctx.String("listen")
		}
		if cctx.IsSet("signer-mode") {
			cfg.Signer.Mode = cctx.String("signer-mode")
		}
		if proxy := cctx.String("jaeger-proxy"); proxy != "" {
			cfg.Trace.JaegerTracingEnabled = true
			cfg.Trace.JaegerEndpoint = proxy
			cfg.Trace.ProbabilitySampler = cctx.Float64("trace-sampler")
		}
		return RunMain(cctx.Context, repo, cfg)
	},
}

func RunMain(ctx context.Context, repo string, cfg *config.Config) error {
	log.Infof("sophon-connect current version %s, repo %s", version.UserVersion, repo)

	persister, err := newPersister(ctx, repo, cfg.Store)
	if err != nil {
		return err
	}
	store := sessionstore.NewStore(persister)

	registry, err := newRegistry(cfg.WalletConnect)
	if err != nil {
		return err
	}

	var remote *signer.RemoteSigner
	var processor types.ISigner
	switch cfg.Signer.Mode {
	case "remote":
		remote = signer.NewRemoteSigner(ctx, &types.RequestConfig{
			RequestQueueSize: cfg.Signer.RequestQueueSize,
			RequestTimeout:   cfg.Signer.RequestTimeout,
			ClearInterval:    cfg.Signer.ClearInterval,
		})
		processor = remote
	case "local", "":
		local, err := newLocalSigner(repo, cfg.Signer)
		if err != nil {
			return err
		}
		processor = local
	default:
		return errors.Errorf("unknown signer mode %q", cfg.Signer.Mode)
	}

	wc := cfg.WalletConnect
	manager := walletconnect.New(ctx, &walletconnect.Config{
		PairingTimeout:  wc.PairingTimeout,
		SupportedChains: wc.SupportedChains,
		Queue: &requestqueue.Config{
			RequestTimeout: wc.RequestTimeout,
			ClearInterval:  wc.ClearInterval,
			MaxBacklog:     wc.MaxBacklog,
		},
		UIEventBuffer: wc.UIEventBuffer,
	}, registry, store, processor, analytics.NewReporter(nil))
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			log.Warnf("close manager: %s", err)
		}
	}()

	connectAPIImpl := api.NewConnectAPIImpl(manager, remote)
	connectAPI := api.NewPermissionedAPI(connectAPIImpl)

	log.Info("Setting up control endpoint at " + cfg.API.ListenAddress)

	mux := mux.NewRouter()
	rpcServer := jsonrpc.NewServer()
	rpcServer.Register(api.Namespace, connectAPI)
	mux.Handle("/rpc/v0", rpcServer)
	mux.PathPrefix("/").Handler(http.DefaultServeMux)

	localJwt, err := utils.NewLocalJwtClient(repo)
	if err != nil {
		return errors.Wrap(err, "make token failed")
	}
	if err = localJwt.SaveToken(); err != nil {
		return err
	}

	var handler http.Handler = utils.NewAuthMux(localJwt, mux)

	// health is served outside the auth mux so checks need no token
	root := http.NewServeMux()
	root.Handle("/healthcheck", healthHandler(persister, processor))
	root.Handle("/", handler)
	handler = root

	if err := connectMetrics.SetupMetrics(ctx, cfg.Metrics, connectAPIImpl); err != nil {
		return err
	}

	if repoter, err := metrics.RegisterJaeger(cfg.Trace.ServerName, cfg.Trace); err != nil {
		log.Fatalf("register %s JaegerRepoter to %s failed:%s", cfg.Trace.ServerName, cfg.Trace.JaegerEndpoint, err)
	} else if repoter != nil {
		log.Infof("register jaeger-tracing exporter to %s, with node-name:%s", cfg.Trace.JaegerEndpoint, cfg.Trace.ServerName)
		defer metrics.UnregisterJaeger(repoter)
		handler = &ochttp.Handler{Handler: handler}
	}

	srv := &http.Server{Handler: handler}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Warnw("received shutdown", "signal", sig)
		case <-ctx.Done():
			log.Warn("received shutdown")
		}

		log.Info("Shutting down...")
		if err := srv.Shutdown(context.TODO()); err != nil {
			log.Errorf("shutting down RPC server failed: %s", err)
		}
	}()
	addr, err := multiaddr.NewMultiaddr(cfg.API.ListenAddress)
	if err != nil {
		return err
	}

	nl, err := manet.Listen(addr)
	if err != nil {
		return err
	}

	log.Infof("start to rpc listen %s", nl.Addr())
	if err = srv.Serve(manet.NetListener(nl)); err != nil && err != http.ErrServerClosed {
		return err
	}

	log.Info("Graceful shutdown successful")
	return nil
}

func newPersister(ctx context.Context, repo string, cfg *config.StoreConfig) (sessionstore.Persister, error) {
	switch cfg.Type {
	case "redis":
		return sessionstore.NewRedisPersister(ctx, sessionstore.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
	case "file", "":
		path := cfg.Path
		if path == "" {
			path = config.SessionFile
		}
		return sessionstore.NewFilePersister(config.RepoPath(repo, path))
	default:
		return nil, errors.Errorf("unknown store type %q", cfg.Type)
	}
}

func newRegistry(cfg *config.WalletConnectConfig) (*adapter.Registry, error) {
	registry := adapter.NewRegistry()
	meta := cfg.Metadata
	if cfg.V1 != nil && cfg.V1.Enable {
		registry.Register(wcv1.New(wcv1.Config{
			WalletMeta: wcv1.ClientMeta{
				Name:        meta.Name,
				Description: meta.Description,
				URL:         meta.URL,
				Icons:       meta.Icons,
			},
			BusyPolicy: requestqueue.BusyPolicy(cfg.V1.BusyPolicy),
		}, logging.Logger("wcv1").With()))
	}
	if cfg.V2 != nil && cfg.V2.Enable {
		v2, err := wcv2.New(wcv2.Config{
			RelayURL:  cfg.V2.RelayURL,
			ProjectID: cfg.V2.ProjectID,
			Metadata: wcv2.Metadata{
				Name:        meta.Name,
				Description: meta.Description,
				URL:         meta.URL,
				Icons:       meta.Icons,
			},
			BusyPolicy: requestqueue.BusyPolicy(cfg.V2.BusyPolicy),
		}, logging.Logger("wcv2").With())
		if err != nil {
			return nil, errors.Wrap(err, "create v2 adapter")
		}
		registry.Register(v2)
	}
	return registry, nil
}

func newLocalSigner(repo string, cfg *config.SignerConfig) (*signer.LocalSigner, error) {
	rpcURLs := make(map[uint64]string, len(cfg.RPC))
	for chain, url := range cfg.RPC {
		chainID, err := strconv.ParseUint(chain, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse rpc chain id %q", chain)
		}
		rpcURLs[chainID] = url
	}
	local := signer.NewLocalSigner(rpcURLs, logging.Logger("local_signer").With())
	keyFile := config.RepoPath(repo, cfg.KeyFile)
	if _, err := os.Stat(keyFile); os.IsNotExist(err) {
		log.Warnf("key file %s not found, local signer holds no account", keyFile)
		return local, nil
	}
	accounts, err := local.LoadKeyFile(keyFile, cfg.Password)
	if err != nil {
		return nil, err
	}
	log.Infof("local signer loaded %d accounts", len(accounts))
	return local, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthHandler(persister sessionstore.Persister, processor types.ISigner) http.Handler {
	opts := []healthcheck.Option{
		healthcheck.WithTimeout(5 * time.Second),
		healthcheck.WithObserver("signer", healthcheck.CheckerFunc(func(ctx context.Context) error {
			accounts, err := processor.Accounts(ctx)
			if err != nil {
				return err
			}
			if len(accounts) == 0 {
				return errors.New("no account available")
			}
			return nil
		})),
	}
	if p, ok := persister.(pinger); ok {
		opts = append(opts, healthcheck.WithChecker("store", healthcheck.CheckerFunc(p.Ping)))
	}
	return healthcheck.Handler(opts...)
}
