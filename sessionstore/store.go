package sessionstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ipfs-force-community/sophon-connect/types"
)

var log = logging.Logger("session_store")

// accountSessions keeps the sessions of one account in creation order.
type accountSessions struct {
	account  string
	order    []string
	sessions map[string]*types.Session
}

type ISessionStore interface {
	AddSession(ctx context.Context, session *types.Session) error
	RemoveSession(ctx context.Context, account, id string) (*types.Session, error)
	RemoveSessionsForAccount(ctx context.Context, account string) ([]*types.Session, error)
	ListSessions(account string) []*types.Session
	ListAll() []*types.Session
	ListAccounts() []string
	GetSession(account, id string) (*types.Session, bool)
	FindSession(id string) (*types.Session, bool)
	SetActiveChain(ctx context.Context, account, id string, chainID uint64) (*types.Session, error)
}

var _ ISessionStore = (*Store)(nil)

// Store is the single source of truth for which sessions exist.
type Store struct {
	// saveLk is taken before lk by every mutation and held through the write,
	// so snapshots reach the persister in the order they were taken.
	saveLk   sync.Mutex
	lk       sync.Mutex
	accounts map[string]*accountSessions
	persist  Persister
}

func NewStore(persist Persister) *Store {
	if persist == nil {
		persist = NopPersister{}
	}
	return &Store{
		accounts: make(map[string]*accountSessions),
		persist:  persist,
	}
}

// accountKey folds address casing so 0xabc and 0xABC share sessions.
func accountKey(account string) string {
	return strings.ToLower(account)
}

// Load replaces the in-memory state with what the persister holds.
func (s *Store) Load(ctx context.Context) error {
	sessions, err := s.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreateTime.Before(sessions[j].CreateTime)
	})

	s.lk.Lock()
	defer s.lk.Unlock()
	s.accounts = make(map[string]*accountSessions)
	for _, session := range sessions {
		if err := session.Validate(); err != nil {
			log.Warnf("skip invalid persisted session %s: %v", session.ID, err)
			continue
		}
		s.upsertLocked(session)
	}
	log.Infof("loaded %d sessions", len(sessions))
	return nil
}

// AddSession is an idempotent upsert keyed by (account, id). An update keeps the original position.
func (s *Store) AddSession(ctx context.Context, session *types.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}

	s.saveLk.Lock()
	defer s.saveLk.Unlock()
	s.lk.Lock()
	if existing, ok := s.getLocked(session.Account, session.ID); ok && existing.Version != session.Version {
		s.lk.Unlock()
		return fmt.Errorf("session %s of %s already exists with version %s", session.ID, session.Account, existing.Version)
	}
	s.upsertLocked(session.Clone())
	snapshot := s.snapshotLocked()
	s.lk.Unlock()

	log.Infow("add session", "id", session.ID, "account", session.Account, "version", session.Version,
		"dapp", session.Dapp.URL, "chains", session.Chains)
	return s.save(ctx, snapshot)
}

func (s *Store) upsertLocked(session *types.Session) {
	key := accountKey(session.Account)
	info, ok := s.accounts[key]
	if !ok {
		info = &accountSessions{
			account:  session.Account,
			sessions: make(map[string]*types.Session),
		}
		s.accounts[key] = info
	}
	if prev, ok := info.sessions[session.ID]; ok {
		session.CreateTime = prev.CreateTime
	} else {
		info.order = append(info.order, session.ID)
	}
	info.sessions[session.ID] = session
}

// RemoveSession is a no-op returning nil when the session is absent.
func (s *Store) RemoveSession(ctx context.Context, account, id string) (*types.Session, error) {
	s.saveLk.Lock()
	defer s.saveLk.Unlock()
	s.lk.Lock()
	info, ok := s.accounts[accountKey(account)]
	if !ok {
		s.lk.Unlock()
		return nil, nil
	}
	removed, ok := info.sessions[id]
	if !ok {
		s.lk.Unlock()
		return nil, nil
	}
	delete(info.sessions, id)
	for i, sid := range info.order {
		if sid == id {
			info.order = append(info.order[:i], info.order[i+1:]...)
			break
		}
	}
	if len(info.sessions) == 0 {
		delete(s.accounts, accountKey(account))
	}
	snapshot := s.snapshotLocked()
	s.lk.Unlock()

	log.Infof("account %s remove session %s", account, id)
	return removed, s.save(ctx, snapshot)
}

// RemoveSessionsForAccount drops every session of the account, other accounts are untouched.
func (s *Store) RemoveSessionsForAccount(ctx context.Context, account string) ([]*types.Session, error) {
	s.saveLk.Lock()
	defer s.saveLk.Unlock()
	s.lk.Lock()
	info, ok := s.accounts[accountKey(account)]
	if !ok {
		s.lk.Unlock()
		return nil, nil
	}
	removed := make([]*types.Session, 0, len(info.order))
	for _, id := range info.order {
		removed = append(removed, info.sessions[id])
	}
	delete(s.accounts, accountKey(account))
	snapshot := s.snapshotLocked()
	s.lk.Unlock()

	log.Infof("account %s removed with %d sessions", account, len(removed))
	return removed, s.save(ctx, snapshot)
}

func (s *Store) ListSessions(account string) []*types.Session {
	s.lk.Lock()
	defer s.lk.Unlock()

	info, ok := s.accounts[accountKey(account)]
	if !ok {
		return []*types.Session{}
	}
	out := make([]*types.Session, 0, len(info.order))
	for _, id := range info.order {
		out = append(out, info.sessions[id].Clone())
	}
	return out
}

func (s *Store) ListAll() []*types.Session {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.snapshotLocked()
}

func (s *Store) ListAccounts() []string {
	s.lk.Lock()
	defer s.lk.Unlock()

	accounts := make([]string, 0, len(s.accounts))
	for _, info := range s.accounts {
		accounts = append(accounts, info.account)
	}
	sort.Strings(accounts)
	return accounts
}

func (s *Store) GetSession(account, id string) (*types.Session, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()

	session, ok := s.getLocked(account, id)
	if !ok {
		return nil, false
	}
	return session.Clone(), true
}

// FindSession looks a session up by id alone, adapters report deletions without the account.
func (s *Store) FindSession(id string) (*types.Session, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()

	for _, info := range s.accounts {
		if session, ok := info.sessions[id]; ok {
			return session.Clone(), true
		}
	}
	return nil, false
}

func (s *Store) getLocked(account, id string) (*types.Session, bool) {
	info, ok := s.accounts[accountKey(account)]
	if !ok {
		return nil, false
	}
	session, ok := info.sessions[id]
	return session, ok
}

// SetActiveChain rebinds a v1 session to another chain. v2 sessions already enumerate their chains.
func (s *Store) SetActiveChain(ctx context.Context, account, id string, chainID uint64) (*types.Session, error) {
	s.saveLk.Lock()
	defer s.saveLk.Unlock()
	s.lk.Lock()
	session, ok := s.getLocked(account, id)
	if !ok {
		s.lk.Unlock()
		return nil, fmt.Errorf("no session %s for account %s", id, account)
	}
	if session.Version != types.V1 {
		s.lk.Unlock()
		return nil, fmt.Errorf("session %s is %s, only v1 sessions switch chain", id, session.Version)
	}
	session.Chains = []uint64{chainID}
	session.Dapp.ChainID = chainID
	updated := session.Clone()
	snapshot := s.snapshotLocked()
	s.lk.Unlock()

	log.Infof("session %s of %s switched to chain %d", id, account, chainID)
	return updated, s.save(ctx, snapshot)
}

func (s *Store) snapshotLocked() []*types.Session {
	keys := make([]string, 0, len(s.accounts))
	for key := range s.accounts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []*types.Session
	for _, key := range keys {
		info := s.accounts[key]
		for _, id := range info.order {
			out = append(out, info.sessions[id].Clone())
		}
	}
	return out
}

func (s *Store) save(ctx context.Context, snapshot []*types.Session) error {
	if err := s.persist.Save(ctx, snapshot); err != nil {
		log.Errorf("persist %d sessions failed: %v", len(snapshot), err)
		return fmt.Errorf("persist sessions: %w", err)
	}
	return nil
}
