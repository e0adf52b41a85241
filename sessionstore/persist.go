package sessionstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/ipfs-force-community/sophon-connect/types"
)

// Persister keeps the session list across restarts. Save always receives the complete list.
type Persister interface {
	Load(ctx context.Context) ([]*types.Session, error)
	Save(ctx context.Context, sessions []*types.Session) error
	Close() error
}

type NopPersister struct{}

func (NopPersister) Load(context.Context) ([]*types.Session, error) { return nil, nil }
func (NopPersister) Save(context.Context, []*types.Session) error    { return nil }
func (NopPersister) Close() error                                     { return nil }

// FilePersister writes the sessions as a json array, replacing the file atomically.
type FilePersister struct {
	lk   sync.Mutex
	path string
}

func NewFilePersister(path string) (*FilePersister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create dir of %s", path)
	}
	return &FilePersister{path: path}, nil
}

func (p *FilePersister) Load(context.Context) ([]*types.Session, error) {
	p.lk.Lock()
	defer p.lk.Unlock()

	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "read %s", p.path)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var sessions []*types.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, errors.Wrapf(err, "decode %s", p.path)
	}
	return sessions, nil
}

func (p *FilePersister) Save(_ context.Context, sessions []*types.Session) error {
	p.lk.Lock()
	defer p.lk.Unlock()

	if sessions == nil {
		sessions = []*types.Session{}
	}
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	return os.Rename(tmp, p.path)
}

func (p *FilePersister) Close() error { return nil }

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Key      string
}

// RedisPersister keeps one hash per store, field "<account>/<id>" holds the session json.
type RedisPersister struct {
	client *redis.Client
	key    string
}

func NewRedisPersister(ctx context.Context, cfg RedisConfig) (*RedisPersister, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis %s", cfg.Addr)
	}
	key := cfg.Key
	if key == "" {
		key = "sophon-connect:sessions"
	}
	return &RedisPersister{client: client, key: key}, nil
}

func sessionField(s *types.Session) string {
	return accountKey(s.Account) + "/" + s.ID
}

func (p *RedisPersister) Load(ctx context.Context) ([]*types.Session, error) {
	values, err := p.client.HGetAll(ctx, p.key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", p.key)
	}
	sessions := make([]*types.Session, 0, len(values))
	for field, value := range values {
		var session types.Session
		if err := json.Unmarshal([]byte(value), &session); err != nil {
			log.Warnf("skip undecodable session %s: %v", field, err)
			continue
		}
		sessions = append(sessions, &session)
	}
	return sessions, nil
}

func (p *RedisPersister) Save(ctx context.Context, sessions []*types.Session) error {
	fields := make([]interface{}, 0, len(sessions)*2)
	for _, session := range sessions {
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		fields = append(fields, sessionField(session), data)
	}
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.key)
		if len(fields) > 0 {
			pipe.HSet(ctx, p.key, fields...)
		}
		return nil
	})
	return errors.Wrapf(err, "save %s", p.key)
}

// Ping lets the health check reach the backend.
func (p *RedisPersister) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPersister) Close() error {
	return p.client.Close()
}
