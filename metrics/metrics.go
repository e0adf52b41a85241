package metrics

import (
	"time"

	rpcMetrics "github.com/filecoin-project/go-jsonrpc/metrics"
	"github.com/ipfs-force-community/metrics"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

// Global Tags
var (
	AccountKey, _ = tag.NewKey("account")
	VersionKey, _ = tag.NewKey("wc_version")
	MethodKey, _  = tag.NewKey("method")
	OutcomeKey, _ = tag.NewKey("outcome")
	EventKey, _   = tag.NewKey("event")

	IPKey, _ = tag.NewKey("ip")
)

// Distribution
var defaultMillisecondsDistribution = view.Distribution(0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 3000, 4000, 5000, 7500, 10000, 20000, 50000, 100000)

var (
	// sessions
	SessionNum = metrics.NewInt64("session/num", "Connected dapp session count", stats.UnitDimensionless, VersionKey)
	AccountNum = metrics.NewInt64("session/account_num", "Accounts holding at least one session", stats.UnitDimensionless)
	PendingNum = metrics.NewInt64("session/pending_num", "Proposals waiting for the user", stats.UnitDimensionless)

	// signer
	SignerNum        = metrics.NewInt64("signer/num", "Remote signer count", stats.UnitDimensionless)
	SignerConnNum    = metrics.NewInt64("signer/conn_num", "Remote signer connection count", stats.UnitDimensionless)
	SignerAccountNum = metrics.NewInt64("signer/account_num", "Accounts served by remote signers", stats.UnitDimensionless)
	SignerRegister   = stats.Int64("signer/register", "Signer register", stats.UnitDimensionless)
	SignerUnregister = stats.Int64("signer/unregister", "Signer unregister", stats.UnitDimensionless)

	// lifecycle
	Lifecycle = stats.Int64("wc/lifecycle", "WalletConnect lifecycle events", stats.UnitDimensionless)
	Requests  = stats.Int64("wc/request", "Settled dapp requests", stats.UnitDimensionless)

	// method call
	SignerSign     = stats.Float64("signer_sign", "Call SignMessage spent time", stats.UnitMilliseconds)
	SignerSendTx   = stats.Float64("signer_send_tx", "Call SendTransaction spent time", stats.UnitMilliseconds)
	SignerAccounts = stats.Float64("signer_accounts", "Call Accounts spent time", stats.UnitMilliseconds)
	PairDuration   = stats.Float64("pair_duration", "Pairing uri to proposal spent time", stats.UnitMilliseconds)
	RequestLatency = stats.Float64("request_duration", "Request received to settled spent time", stats.UnitMilliseconds)

	ApiState = metrics.NewInt64("api/state", "api service state. 0: down, 1: up", "")
)

var (
	// signer
	signerRegisterView = &view.View{
		Measure:     SignerRegister,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{AccountKey, IPKey},
	}
	signerUnregisterView = &view.View{
		Measure:     SignerUnregister,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{AccountKey, IPKey},
	}

	lifecycleView = &view.View{
		Measure:     Lifecycle,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{EventKey, VersionKey},
	}
	requestView = &view.View{
		Measure:     Requests,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{VersionKey, MethodKey, OutcomeKey},
	}

	// method call
	signerSignView = &view.View{
		Measure:     SignerSign,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{AccountKey, MethodKey},
	}
	signerSendTxView = &view.View{
		Measure:     SignerSendTx,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{AccountKey},
	}
	signerAccountsView = &view.View{
		Measure:     SignerAccounts,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{IPKey},
	}
	pairDurationView = &view.View{
		Measure:     PairDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{VersionKey},
	}
	requestLatencyView = &view.View{
		Measure:     RequestLatency,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{VersionKey, MethodKey, OutcomeKey},
	}
)

var views = append([]*view.View{
	signerRegisterView,
	signerUnregisterView,
	lifecycleView,
	requestView,
	signerSignView,
	signerSendTxView,
	signerAccountsView,
	pairDurationView,
	requestLatencyView,
}, rpcMetrics.DefaultViews...)

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Nanoseconds()) / 1e6
}

// Milliseconds converts d for the *_duration measures.
func Milliseconds(d time.Duration) float64 {
	return float64(d.Nanoseconds()) / 1e6
}

func init() {
	// register metrics
	_ = view.Register(views...)
}
