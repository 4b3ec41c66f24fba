package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps checkpoints in Redis, one key per session. Suitable for
// deployments where the orchestrator may move between hosts mid-session.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"` // 0 means checkpoints never expire
}

// NewRedisStore connects and pings the backend before returning.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "helmsman:"
	}
	return &RedisStore{
		client:    client,
		keyPrefix: prefix + "checkpoint:",
		ttl:       cfg.TTL,
	}, nil
}

func (s *RedisStore) key(sessionID string) string {
	return s.keyPrefix + sessionID
}

func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	cloned := *cp
	if cloned.SavedAt.IsZero() {
		cloned.SavedAt = time.Now()
	}
	data, err := json.Marshal(&cloned)
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", cp.SessionID, err)
	}
	if err := s.client.Set(ctx, s.key(cp.SessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("checkpoint: save %s: %w", cp.SessionID, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", sessionID, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode %s: %w", sessionID, err)
	}
	return &cp, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("checkpoint: delete %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), s.keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
