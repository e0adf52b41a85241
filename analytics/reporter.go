package analytics

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"

	"github.com/ipfs-force-community/sophon-connect/metrics"
	"github.com/ipfs-force-community/sophon-connect/types"
)

var log = logging.Logger("analytics")

var _ types.IAnalytics = (*Reporter)(nil)

// Reporter turns lifecycle events into log lines and opencensus measurements.
type Reporter struct {
	sink types.IAnalytics
}

// NewReporter optionally forwards every event to sink after recording it.
func NewReporter(sink types.IAnalytics) *Reporter {
	return &Reporter{sink: sink}
}

// Track never fails and never panics into the caller.
func (r *Reporter) Track(ctx context.Context, event *types.LifecycleEvent) {
	if r == nil || event == nil {
		return
	}
	defer func() {
		if err := recover(); err != nil {
			log.Errorf("track %s panicked: %v", event.Kind, err)
		}
	}()
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	log.Infow("lifecycle", "event", event.Kind, "version", event.Version, "session", event.SessionID,
		"account", event.Account, "dapp", event.Dapp, "method", event.Method, "outcome", event.Outcome, "duration", event.Duration)

	ctx, err := tag.New(ctx, tag.Upsert(metrics.EventKey, string(event.Kind)), tag.Upsert(metrics.VersionKey, event.Version.String()))
	if err != nil {
		log.Warnf("tag lifecycle event %v", err)
		return
	}
	stats.Record(ctx, metrics.Lifecycle.M(1))

	switch event.Kind {
	case types.EventRequestCompleted:
		_ = stats.RecordWithTags(ctx, []tag.Mutator{tag.Upsert(metrics.MethodKey, string(event.Method)), tag.Upsert(metrics.OutcomeKey, event.Outcome)},
			metrics.Requests.M(1), metrics.RequestLatency.M(metrics.Milliseconds(event.Duration)))
	case types.EventProposalReceived:
		if event.Duration > 0 {
			stats.Record(ctx, metrics.PairDuration.M(metrics.Milliseconds(event.Duration)))
		}
	}

	if r.sink != nil {
		r.sink.Track(ctx, event)
	}
}
