package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ruteri/credential-registry/interfaces"
)

// Challenge is a pending wallet login. The wallet signs Message with
// personal_sign and returns the signature to Login.
type Challenge struct {
	Address   interfaces.Address `json:"address"`
	Nonce     string             `json:"nonce"`
	Message   string             `json:"message"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

// ChallengeStore holds at most one outstanding challenge per address.
type ChallengeStore interface {
	// Put stores c, replacing any previous challenge for the address.
	Put(ctx context.Context, c *Challenge, ttl time.Duration) error

	// Get returns the outstanding challenge or interfaces.ErrNotFound.
	Get(ctx context.Context, address interfaces.Address) (*Challenge, error)

	// Consume deletes the challenge if its nonce still matches, reporting
	// whether it did. A challenge can be consumed once.
	Consume(ctx context.Context, address interfaces.Address, nonce string) (bool, error)
}

// MemoryChallengeStore keeps challenges in process memory.
type MemoryChallengeStore struct {
	mu         sync.Mutex
	challenges map[interfaces.Address]memoryChallenge
	now        func() time.Time
}

type memoryChallenge struct {
	challenge Challenge
	expires   time.Time
}

func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{
		challenges: make(map[interfaces.Address]memoryChallenge),
		now:        time.Now,
	}
}

func (s *MemoryChallengeStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryChallengeStore) Put(_ context.Context, c *Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges[c.Address] = memoryChallenge{challenge: *c, expires: s.now().Add(ttl)}

	// Drop expired entries so abandoned challenges do not accumulate
	now := s.now()
	for addr, mc := range s.challenges {
		if !now.Before(mc.expires) {
			delete(s.challenges, addr)
		}
	}
	return nil
}

func (s *MemoryChallengeStore) Get(_ context.Context, address interfaces.Address) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.challenges[address]
	if !ok || !s.now().Before(mc.expires) {
		return nil, fmt.Errorf("challenge for %s: %w", interfaces.AddressString(address), interfaces.ErrNotFound)
	}
	c := mc.challenge
	return &c, nil
}

func (s *MemoryChallengeStore) Consume(_ context.Context, address interfaces.Address, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mc, ok := s.challenges[address]
	if !ok || mc.challenge.Nonce != nonce || !s.now().Before(mc.expires) {
		return false, nil
	}
	delete(s.challenges, address)
	return true, nil
}

// ChallengeKeyPrefix namespaces challenge keys in Redis.
const ChallengeKeyPrefix = "challenge:"

// consumeScript deletes the key only when the stored nonce matches.
var consumeScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return 0
end
if cjson.decode(v)["nonce"] ~= ARGV[1] then
	return 0
end
return redis.call("DEL", KEYS[1])
`)

// RedisChallengeStore shares challenges between service replicas. Expiry is
// enforced by the key TTL.
type RedisChallengeStore struct {
	client redis.UniversalClient
}

func NewRedisChallengeStore(client redis.UniversalClient) *RedisChallengeStore {
	return &RedisChallengeStore{client: client}
}

// NewRedisClient connects to url and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func challengeKey(address interfaces.Address) string {
	return ChallengeKeyPrefix + interfaces.AddressString(address)
}

func (s *RedisChallengeStore) Put(ctx context.Context, c *Challenge, ttl time.Duration) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal challenge: %w", err)
	}
	if err := s.client.Set(ctx, challengeKey(c.Address), raw, ttl).Err(); err != nil {
		return fmt.Errorf("store challenge: %w", err)
	}
	return nil
}

func (s *RedisChallengeStore) Get(ctx context.Context, address interfaces.Address) (*Challenge, error) {
	raw, err := s.client.Get(ctx, challengeKey(address)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("challenge for %s: %w", interfaces.AddressString(address), interfaces.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	var c Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}
	return &c, nil
}

func (s *RedisChallengeStore) Consume(ctx context.Context, address interfaces.Address, nonce string) (bool, error) {
	n, err := consumeScript.Run(ctx, s.client, []string{challengeKey(address)}, nonce).Int()
	if err != nil {
		return false, fmt.Errorf("consume challenge: %w", err)
	}
	return n == 1, nil
}
