package metrics

import (
	"context"
	"time"

	"go.opencensus.io/tag"

	"github.com/ipfs-force-community/sophon-connect/types"
)

// StateSource is polled for the gauges.
type StateSource interface {
	ListAllSessions(ctx context.Context) ([]*types.Session, error)
	ListPendingSessions(ctx context.Context) ([]*types.PendingSession, error)
	ListSigners(ctx context.Context) ([]*types.SignerDetail, error)
}

func recordMetricsLoop(ctx context.Context, src StateSource) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			recordSessionInfo(ctx, src)
			recordSignerInfo(ctx, src)
		case <-ctx.Done():
			log.Infof("context done, stop record metrics")
			return
		}
	}
}

func recordSessionInfo(ctx context.Context, src StateSource) {
	sessions, err := src.ListAllSessions(ctx)
	if err != nil {
		log.Warnf("failed to list sessions %v", err)
		return
	}

	byVersion := map[types.Version]int64{types.V1: 0, types.V2: 0}
	accounts := make(map[string]struct{})
	for _, s := range sessions {
		byVersion[s.Version]++
		accounts[s.Account] = struct{}{}
	}
	for version, num := range byVersion {
		vctx, _ := tag.New(ctx, tag.Upsert(VersionKey, version.String()))
		SessionNum.Set(vctx, num)
	}
	AccountNum.Set(ctx, int64(len(accounts)))

	pendings, err := src.ListPendingSessions(ctx)
	if err != nil {
		log.Warnf("failed to list pending sessions %v", err)
		return
	}
	PendingNum.Set(ctx, int64(len(pendings)))
}

func recordSignerInfo(ctx context.Context, src StateSource) {
	signers, err := src.ListSigners(ctx)
	if err != nil {
		log.Warnf("failed to list signers %v", err)
		return
	}

	var connNum int64
	accounts := make(map[string]struct{})
	for _, detail := range signers {
		connNum += int64(len(detail.ConnectStates))
		for _, account := range detail.Accounts {
			accounts[account] = struct{}{}
		}
	}
	SignerNum.Set(ctx, int64(len(signers)))
	SignerConnNum.Set(ctx, connNum)
	SignerAccountNum.Set(ctx, int64(len(accounts)))
}
