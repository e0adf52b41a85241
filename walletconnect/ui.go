package walletconnect

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ipfs-force-community/sophon-connect/types"
)

// ListenUIEvent streams UI events until ctx is done. The stream opens with the current scan state,
// pending session and request so a late listener starts from a consistent view.
func (m *Manager) ListenUIEvent(ctx context.Context) (<-chan *types.UIEvent, error) {
	id := uuid.New()
	out := make(chan *types.UIEvent, m.cfg.UIEventBuffer)

	scan := m.supervisor.State()
	out <- &types.UIEvent{Kind: types.UIScanState, Scan: &scan, Time: time.Now()}
	if p := m.negotiator.Current(); p != nil && len(out) < cap(out) {
		out <- &types.UIEvent{Kind: types.UIPendingSession, Pending: p, Time: time.Now()}
	}
	if req := m.queue.Current(); req != nil && len(out) < cap(out) {
		out <- &types.UIEvent{Kind: types.UIRequest, Request: req, Time: time.Now()}
	}

	m.subLk.Lock()
	m.subs[id] = out
	listeners := len(m.subs)
	m.subLk.Unlock()
	log.Infof("ui listener %s connected, %d listening", id, listeners)

	go func() {
		<-ctx.Done()
		m.subLk.Lock()
		if ch, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
		m.subLk.Unlock()
		log.Infof("ui listener %s disconnected", id)
	}()
	return out, nil
}

// publish never blocks the caller, a listener with a full buffer misses the event.
func (m *Manager) publish(event *types.UIEvent) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	m.subLk.Lock()
	defer m.subLk.Unlock()
	for id, ch := range m.subs {
		select {
		case ch <- event:
		default:
			log.Warnf("ui listener %s is full, drop %s event", id, event.Kind)
		}
	}
}
