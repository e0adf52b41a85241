package requestqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ipfs-force-community/sophon-connect/types"
)

var log = logging.Logger("request_queue")

// BusyPolicy is what an adapter wants done with a request arriving while the slot is taken.
type BusyPolicy string

const (
	BusyReject BusyPolicy = "reject"
	BusyQueue  BusyPolicy = "queue"
)

func (p BusyPolicy) Valid() bool {
	return p == BusyReject || p == BusyQueue
}

// Responder sends the single terminal response of a request back over the wire.
type Responder interface {
	BusyPolicy(version types.Version) BusyPolicy
	Respond(ctx context.Context, req *types.WalletRequest, outcome types.Outcome) error
}

type SubmitResult int

const (
	SubmitCurrent SubmitResult = iota
	SubmitHeld
	SubmitRejectedBusy
	SubmitDuplicate
)

func (r SubmitResult) String() string {
	switch r {
	case SubmitCurrent:
		return "current"
	case SubmitHeld:
		return "held"
	case SubmitRejectedBusy:
		return "rejected_busy"
	case SubmitDuplicate:
		return "duplicate"
	}
	return fmt.Sprintf("SubmitResult(%d)", int(r))
}

type Hooks struct {
	// OnCurrent fires whenever a request takes the slot, directly or promoted from the backlog.
	OnCurrent func(req *types.WalletRequest)
	// OnSettled fires once per request after its response went out.
	OnSettled func(req *types.WalletRequest, outcome types.Outcome, elapsed time.Duration)
}

type Config struct {
	RequestTimeout time.Duration
	ClearInterval  time.Duration
	MaxBacklog     int
}

func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: time.Minute * 5,
		ClearInterval:  time.Second * 10,
		MaxBacklog:     16,
	}
}

type entry struct {
	req *types.WalletRequest
	// since is when the request took the slot
	since     time.Time
	settling  bool
	confirmed bool
}

const maxTombstones = 1024

// Queue holds at most one current request, everything else is held in the backlog or answered busy.
type Queue struct {
	lk      sync.Mutex
	current *entry
	backlog []*types.WalletRequest

	settled      map[string]types.Outcome
	settledOrder []string

	cfg       *Config
	responder Responder
	hooks     Hooks
}

func NewQueue(ctx context.Context, cfg *Config, responder Responder, hooks Hooks) *Queue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	q := &Queue{
		settled:   make(map[string]types.Outcome),
		cfg:       cfg,
		responder: responder,
		hooks:     hooks,
	}
	if cfg.RequestTimeout > 0 && cfg.ClearInterval > 0 {
		go q.cleanRequests(ctx)
	}
	return q
}

// Submit places req in the slot if it is free. Otherwise the adapter's busy policy decides between
// holding the request and answering it busy right away.
func (q *Queue) Submit(ctx context.Context, req *types.WalletRequest) (SubmitResult, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	q.lk.Lock()
	if q.knownLocked(req.InternalID) {
		q.lk.Unlock()
		log.Warnf("request %s submitted twice, ignore", req.InternalID)
		return SubmitDuplicate, nil
	}
	if q.current == nil {
		q.current = &entry{req: req, since: time.Now()}
		q.lk.Unlock()

		log.Infow("request current", "id", req.InternalID, "session", req.SessionID, "method", req.Type)
		q.fireCurrent(req)
		return SubmitCurrent, nil
	}
	if q.responder.BusyPolicy(req.Version) == BusyQueue && len(q.backlog) < q.cfg.MaxBacklog {
		q.backlog = append(q.backlog, req)
		held := len(q.backlog)
		q.lk.Unlock()

		log.Infof("request %s held, %d in backlog", req.InternalID, held)
		return SubmitHeld, nil
	}
	q.lk.Unlock()

	outcome := types.Rejected(types.RejectBusy, "another request is awaiting the user")
	if err := q.responder.Respond(ctx, req, outcome); err != nil {
		return SubmitRejectedBusy, types.Transport("respond busy", err)
	}
	q.lk.Lock()
	q.tombstoneLocked(req.InternalID, outcome)
	q.lk.Unlock()

	log.Infof("request %s rejected busy, current is %s", req.InternalID, q.currentID())
	q.fireSettled(req, outcome, 0)
	return SubmitRejectedBusy, nil
}

func (q *Queue) knownLocked(id string) bool {
	if q.current != nil && q.current.req.InternalID == id {
		return true
	}
	for _, held := range q.backlog {
		if held.InternalID == id {
			return true
		}
	}
	_, ok := q.settled[id]
	return ok
}

func (q *Queue) currentID() string {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.current == nil {
		return ""
	}
	return q.current.req.InternalID
}

// Current returns the request presented to the user, nil when the slot is free.
func (q *Queue) Current() *types.WalletRequest {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.current == nil {
		return nil
	}
	return q.current.req
}

func (q *Queue) Backlog() []*types.WalletRequest {
	q.lk.Lock()
	defer q.lk.Unlock()
	return append([]*types.WalletRequest(nil), q.backlog...)
}

// Settle sends the terminal response of the current request. Settling anything but the current,
// unsettled request is a no-op. When the response cannot be sent the request stays current.
func (q *Queue) Settle(ctx context.Context, id string, outcome types.Outcome) (bool, error) {
	q.lk.Lock()
	if q.current == nil || q.current.req.InternalID != id || q.current.settling {
		_, done := q.settled[id]
		q.lk.Unlock()
		if done {
			log.Warnw("ignore settle", "id", id, "outcome", outcome.String(), "err", types.ErrDoubleSettle)
		} else {
			log.Debugf("settle %s: not the current request", id)
		}
		return false, nil
	}
	cur := q.current
	cur.settling = true
	q.lk.Unlock()

	if err := q.responder.Respond(ctx, cur.req, outcome); err != nil {
		q.lk.Lock()
		cur.settling = false
		q.lk.Unlock()
		log.Errorf("respond %s of request %s: %v", outcome, id, err)
		return false, types.Transport("respond", err)
	}

	q.lk.Lock()
	q.tombstoneLocked(id, outcome)
	q.current = nil
	next := q.promoteLocked()
	q.lk.Unlock()

	log.Infow("request settled", "id", id, "outcome", outcome.String(), "elapsed", time.Since(cur.since))
	q.fireSettled(cur.req, outcome, time.Since(cur.since))
	if next != nil {
		q.fireCurrent(next)
	}
	return true, nil
}

// Confirm records that an explicit user action fired for the current request, a later dismissal is then ignored.
func (q *Queue) Confirm(id string) bool {
	q.lk.Lock()
	defer q.lk.Unlock()
	if q.current == nil || q.current.req.InternalID != id || q.current.settling {
		return false
	}
	q.current.confirmed = true
	return true
}

// Dismiss is the close-without-action path, an implicit user rejection unless an explicit action already fired.
func (q *Queue) Dismiss(ctx context.Context, id string) (bool, error) {
	q.lk.Lock()
	if q.current == nil || q.current.req.InternalID != id || q.current.confirmed || q.current.settling {
		q.lk.Unlock()
		return false, nil
	}
	q.lk.Unlock()
	return q.Settle(ctx, id, types.Rejected(types.RejectUserRejected, "dismissed by user"))
}

// Clear empties the slot and the backlog, every request gets a session_closed rejection.
func (q *Queue) Clear(ctx context.Context) error {
	return q.clear(ctx, func(*types.WalletRequest) bool { return true })
}

// ClearSession rejects the requests belonging to one session, others are untouched.
func (q *Queue) ClearSession(ctx context.Context, sessionID string) error {
	return q.clear(ctx, func(req *types.WalletRequest) bool { return req.SessionID == sessionID })
}

func (q *Queue) clear(ctx context.Context, match func(*types.WalletRequest) bool) error {
	outcome := types.Rejected(types.RejectSessionClosed, "session closed")

	q.lk.Lock()
	var held []*types.WalletRequest
	rest := q.backlog[:0]
	for _, req := range q.backlog {
		if match(req) {
			held = append(held, req)
		} else {
			rest = append(rest, req)
		}
	}
	q.backlog = rest
	var currentID string
	if q.current != nil && match(q.current.req) {
		currentID = q.current.req.InternalID
	}
	q.lk.Unlock()

	var lastErr error
	for _, req := range held {
		if err := q.responder.Respond(ctx, req, outcome); err != nil {
			// the session is gone either way, nothing left to retry against
			log.Warnf("respond %s to held request %s: %v", outcome, req.InternalID, err)
			lastErr = types.Transport("respond", err)
		}
		q.lk.Lock()
		q.tombstoneLocked(req.InternalID, outcome)
		q.lk.Unlock()
		q.fireSettled(req, outcome, 0)
	}
	if currentID != "" {
		if _, err := q.Settle(ctx, currentID, outcome); err != nil {
			lastErr = err
			q.dropCurrent(currentID, outcome)
		}
	}
	return lastErr
}

// dropCurrent frees the slot without a response, only used once the session itself is gone.
func (q *Queue) dropCurrent(id string, outcome types.Outcome) {
	q.lk.Lock()
	if q.current == nil || q.current.req.InternalID != id {
		q.lk.Unlock()
		return
	}
	cur := q.current
	q.tombstoneLocked(id, outcome)
	q.current = nil
	next := q.promoteLocked()
	q.lk.Unlock()

	q.fireSettled(cur.req, outcome, time.Since(cur.since))
	if next != nil {
		q.fireCurrent(next)
	}
}

func (q *Queue) promoteLocked() *types.WalletRequest {
	if len(q.backlog) == 0 {
		return nil
	}
	next := q.backlog[0]
	q.backlog = q.backlog[1:]
	q.current = &entry{req: next, since: time.Now()}
	return next
}

func (q *Queue) tombstoneLocked(id string, outcome types.Outcome) {
	if _, ok := q.settled[id]; ok {
		return
	}
	q.settled[id] = outcome
	q.settledOrder = append(q.settledOrder, id)
	if len(q.settledOrder) > maxTombstones {
		delete(q.settled, q.settledOrder[0])
		q.settledOrder = q.settledOrder[1:]
	}
}

func (q *Queue) fireCurrent(req *types.WalletRequest) {
	if q.hooks.OnCurrent != nil {
		q.hooks.OnCurrent(req)
	}
}

func (q *Queue) fireSettled(req *types.WalletRequest, outcome types.Outcome, elapsed time.Duration) {
	if q.hooks.OnSettled != nil {
		q.hooks.OnSettled(req, outcome, elapsed)
	}
}

func (q *Queue) cleanRequests(ctx context.Context) {
	tm := time.NewTicker(q.cfg.ClearInterval)
	defer tm.Stop()
	for {
		select {
		case <-tm.C:
			q.lk.Lock()
			var expired string
			if q.current != nil && !q.current.settling && time.Since(q.current.since) > q.cfg.RequestTimeout {
				expired = q.current.req.InternalID
			}
			q.lk.Unlock()
			if expired == "" {
				continue
			}
			log.Warnf("request %s exceed wait time %s", expired, q.cfg.RequestTimeout)
			outcome := types.Rejected(types.RejectTimeout, "request timed out waiting for the user")
			if _, err := q.Settle(ctx, expired, outcome); err != nil {
				log.Errorf("settle expired request %s: %v", expired, err)
			}
		case <-ctx.Done():
			log.Warnf("return clean request")
			return
		}
	}
}
