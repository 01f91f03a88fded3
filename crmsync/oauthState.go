package crmsync

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/mmdatafocus/formsync_backend/clock"
	"github.com/redis/go-redis/v9"
)

const oauthStateTTL = 10 * time.Minute

// StateStore remembers issued OAuth state values until the callback
// consumes them. A state is valid once.
type StateStore interface {
	Save(ctx context.Context, state string, ttl time.Duration) error
	Consume(ctx context.Context, state string) (bool, error)
}

// NewStateStore uses Redis when rdb is set, otherwise process memory.
func NewStateStore(rdb *redis.Client, clk clock.Clock) StateStore {
	if rdb != nil {
		return &redisStateStore{rdb: rdb}
	}
	return &memoryStateStore{clock: clk, states: map[string]time.Time{}}
}

func newOAuthState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

type redisStateStore struct {
	rdb *redis.Client
}

func stateKey(state string) string {
	return "crm:oauth:state:" + state
}

func (s *redisStateStore) Save(ctx context.Context, state string, ttl time.Duration) error {
	return s.rdb.Set(ctx, stateKey(state), "1", ttl).Err()
}

func (s *redisStateStore) Consume(ctx context.Context, state string) (bool, error) {
	_, err := s.rdb.GetDel(ctx, stateKey(state)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type memoryStateStore struct {
	clock  clock.Clock
	mu     sync.Mutex
	states map[string]time.Time
}

func (s *memoryStateStore) Save(ctx context.Context, state string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for k, exp := range s.states {
		if !now.Before(exp) {
			delete(s.states, k)
		}
	}
	s.states[state] = now.Add(ttl)
	return nil
}

func (s *memoryStateStore) Consume(ctx context.Context, state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.states[state]
	if !ok {
		return false, nil
	}
	delete(s.states, state)
	return s.clock.Now().Before(exp), nil
}
