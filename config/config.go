package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/ipfs-force-community/metrics"
	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml"
)

const (
	// Configuration file name
	ConfigFile = "config.toml"
	// SessionFile holds the persisted sessions when the file store is used
	SessionFile = "sessions.json"

	DefaultRepo = "~/.sophon-connect"
)

type Config struct {
	API           *APIConfig
	WalletConnect *WalletConnectConfig
	Store         *StoreConfig
	Signer        *SignerConfig
	Metrics       *metrics.MetricsConfig
	Trace         *metrics.TraceConfig
}

type APIConfig struct {
	ListenAddress string
}

type MetadataConfig struct {
	Name        string
	Description string
	URL         string
	Icons       []string
}

type WalletConnectConfig struct {
	PairingTimeout  time.Duration
	RequestTimeout  time.Duration
	ClearInterval   time.Duration
	MaxBacklog      int
	UIEventBuffer   int
	SupportedChains []uint64
	Metadata        MetadataConfig

	V1 *V1Config
	V2 *V2Config
}

type V1Config struct {
	Enable     bool
	BusyPolicy string
}

type V2Config struct {
	Enable     bool
	RelayURL   string
	ProjectID  string
	BusyPolicy string
}

type StoreConfig struct {
	// Type is "file" or "redis"
	Type  string
	Path  string
	Redis RedisConfig
}

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Key      string
}

type SignerConfig struct {
	// Mode is "local" or "remote"
	Mode     string
	KeyFile  string
	Password string
	// RPC maps a chain id, as a decimal string, to the endpoint transactions are sent to
	RPC map[string]string
	// remote signer streams
	RequestQueueSize int
	RequestTimeout   time.Duration
	ClearInterval    time.Duration
}

func DefaultConfig() *Config {
	cfg := &Config{
		API: &APIConfig{ListenAddress: "/ip4/127.0.0.1/tcp/45133"},
		WalletConnect: &WalletConnectConfig{
			PairingTimeout:  10 * time.Second,
			RequestTimeout:  5 * time.Minute,
			ClearInterval:   10 * time.Second,
			MaxBacklog:      16,
			UIEventBuffer:   64,
			SupportedChains: []uint64{1, 10, 56, 137, 8453, 42161},
			Metadata: MetadataConfig{
				Name:        "sophon-connect",
				Description: "sophon wallet connect daemon",
				URL:         "https://github.com/ipfs-force-community/sophon-connect",
				Icons:       []string{"https://avatars.githubusercontent.com/u/49631749"},
			},
			V1: &V1Config{Enable: true, BusyPolicy: "reject"},
			V2: &V2Config{Enable: true, RelayURL: "wss://relay.walletconnect.com", BusyPolicy: "queue"},
		},
		Store: &StoreConfig{
			Type: "file",
			Path: SessionFile,
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
				Key:  "sophon-connect/sessions",
			},
		},
		Signer: &SignerConfig{
			Mode:             "local",
			KeyFile:          "keys",
			RPC:              map[string]string{"1": "https://eth.llamarpc.com"},
			RequestQueueSize: 30,
			RequestTimeout:   time.Minute * 5,
			ClearInterval:    time.Minute * 5,
		},
		Metrics: metrics.DefaultMetricsConfig(),
		Trace:   metrics.DefaultTraceConfig(),
	}
	namespace := "connect"
	cfg.Metrics.Exporter.Prometheus.Namespace = namespace
	cfg.Metrics.Exporter.Graphite.Namespace = namespace
	cfg.Metrics.Exporter.Prometheus.EndPoint = "/ip4/0.0.0.0/tcp/4570"
	cfg.Metrics.Exporter.Graphite.Port = 4570
	cfg.Trace.ServerName = "sophon-connect"
	cfg.Trace.JaegerEndpoint = ""

	return cfg
}

func ReadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = toml.Unmarshal(data, cfg)

	return cfg, err
}

func WriteConfig(filePath string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(filePath, data, 0644)
}

// ExpandRepo resolves "~" and makes sure the repo directory exists.
func ExpandRepo(repo string) (string, error) {
	path, err := homedir.Expand(repo)
	if err != nil {
		return "", err
	}
	return path, os.MkdirAll(path, 0755)
}

// LoadOrInit reads <repo>/config.toml, writing the default config first when there is none.
func LoadOrInit(repo string) (*Config, error) {
	path := filepath.Join(repo, ConfigFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		return cfg, WriteConfig(path, cfg)
	}
	return ReadConfig(path)
}

// RepoPath places a relative path inside the repo, absolute paths are kept.
func RepoPath(repo, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(repo, path)
}
