package supervisor

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ipfs-force-community/sophon-connect/types"
)

var log = logging.Logger("supervisor")

const DefaultPairingTimeout = 10 * time.Second

// Supervisor bounds the wait between a scan and the first adapter answer. It owns no session data,
// it only gates re-entrancy of the scanner.
type Supervisor struct {
	lk      sync.Mutex
	timeout time.Duration
	state   types.ScanState
	timer   *time.Timer

	onChange  func(types.ScanState)
	onTimeout func(attempt uint64)
}

type Option func(*Supervisor)

// OnChange is called after every state transition, outside the lock.
func OnChange(fn func(types.ScanState)) Option {
	return func(s *Supervisor) { s.onChange = fn }
}

func OnTimeout(fn func(attempt uint64)) Option {
	return func(s *Supervisor) { s.onTimeout = fn }
}

func New(timeout time.Duration, opts ...Option) *Supervisor {
	if timeout <= 0 {
		timeout = DefaultPairingTimeout
	}
	s := &Supervisor{timeout: timeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Begin freezes the scanner for a new attempt and arms the timer. Any previous attempt is forgotten.
func (s *Supervisor) Begin() uint64 {
	s.lk.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.state.Attempt++
	attempt := s.state.Attempt
	s.state.Frozen = true
	s.state.ScanError = false
	s.state.LastError = ""
	s.timer = time.AfterFunc(s.timeout, func() { s.expire(attempt) })
	state := s.state
	s.lk.Unlock()

	log.Debugf("pairing attempt %d started, timeout %s", attempt, s.timeout)
	s.changed(state)
	return attempt
}

// Resolve ends the attempt successfully: a pending session or a definitive answer arrived.
func (s *Supervisor) Resolve(attempt uint64) bool {
	s.lk.Lock()
	if attempt != s.state.Attempt || !s.state.Frozen {
		s.lk.Unlock()
		return false
	}
	s.stopLocked()
	s.state.Frozen = false
	s.state.ScanError = false
	s.state.LastError = ""
	state := s.state
	s.lk.Unlock()

	s.changed(state)
	return true
}

// Fail ends the attempt with a retryable scan error.
func (s *Supervisor) Fail(attempt uint64, err error) bool {
	s.lk.Lock()
	if attempt != s.state.Attempt || !s.state.Frozen {
		s.lk.Unlock()
		return false
	}
	s.stopLocked()
	s.state.Frozen = false
	s.state.ScanError = true
	if err != nil {
		s.state.LastError = err.Error()
	}
	state := s.state
	s.lk.Unlock()

	log.Warnf("pairing attempt %d failed: %v", attempt, err)
	s.changed(state)
	return true
}

func (s *Supervisor) expire(attempt uint64) {
	if !s.Fail(attempt, types.NewError(types.ErrTimeout, "pair", nil)) {
		return
	}
	if s.onTimeout != nil {
		s.onTimeout(attempt)
	}
}

// DismissError clears the scan-error flag after the user saw it.
func (s *Supervisor) DismissError() {
	s.lk.Lock()
	if !s.state.ScanError {
		s.lk.Unlock()
		return
	}
	s.state.ScanError = false
	s.state.LastError = ""
	state := s.state
	s.lk.Unlock()

	s.changed(state)
}

func (s *Supervisor) State() types.ScanState {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.state
}

// Stop disarms any pending timer.
func (s *Supervisor) Stop() {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.stopLocked()
}

func (s *Supervisor) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Supervisor) changed(state types.ScanState) {
	if s.onChange != nil {
		s.onChange(state)
	}
}
