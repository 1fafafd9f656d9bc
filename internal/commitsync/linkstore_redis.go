package commitsync

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisLinkKeyPrefix = "commitsync:link:"

// RedisLinkStore claims fingerprints with SETNX, which gives the
// at-most-once-per-key contract across every process sharing the server.
type RedisLinkStore struct {
	client    redis.UniversalClient
	keyPrefix string
	clock     func() time.Time
}

func NewRedisLinkStore(dsn string) (*RedisLinkStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	return NewRedisLinkStoreWithClient(redis.NewClient(opts)), nil
}

func NewRedisLinkStoreWithClient(client redis.UniversalClient) *RedisLinkStore {
	return &RedisLinkStore{client: client, keyPrefix: redisLinkKeyPrefix, clock: time.Now}
}

func (s *RedisLinkStore) Claim(ctx context.Context, link Link) (Link, bool, error) {
	if !validLink(link) {
		return Link{}, false, ErrInvalidInput
	}
	link = stampLink(link, s.clock().UTC())
	payload, err := json.Marshal(link)
	if err != nil {
		return Link{}, false, err
	}
	ok, err := s.client.SetNX(ctx, s.key(link.Fingerprint), payload, 0).Result()
	if err != nil {
		return Link{}, false, err
	}
	if ok {
		return link, true, nil
	}
	existing, err := s.Get(ctx, link.Fingerprint)
	if err != nil {
		return Link{}, false, err
	}
	return existing, false, nil
}

func (s *RedisLinkStore) Save(ctx context.Context, link Link) error {
	if !validLink(link) {
		return ErrInvalidInput
	}
	payload, err := json.Marshal(stampLink(link, s.clock().UTC()))
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(link.Fingerprint), payload, 0).Err()
}

// Reclaim runs as a WATCH transaction on the record key. A concurrent
// writer aborts it, which reports false.
func (s *RedisLinkStore) Reclaim(ctx context.Context, stale Link, link Link) (bool, error) {
	if !validLink(link) || stale.Fingerprint != link.Fingerprint {
		return false, ErrInvalidInput
	}
	payload, err := json.Marshal(freshClaim(link, s.clock().UTC()))
	if err != nil {
		return false, err
	}
	key := s.key(link.Fingerprint)
	won := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var current Link
		if err := json.Unmarshal(raw, &current); err != nil {
			return err
		}
		if !reclaimable(current, stale) {
			return nil
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		}); err != nil {
			return err
		}
		won = true
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return won, nil
}

func (s *RedisLinkStore) Get(ctx context.Context, fingerprint string) (Link, error) {
	raw, err := s.client.Get(ctx, s.key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Link{}, ErrNotFound
	}
	if err != nil {
		return Link{}, err
	}
	var link Link
	if err := json.Unmarshal(raw, &link); err != nil {
		return Link{}, err
	}
	return link, nil
}

func (s *RedisLinkStore) Release(ctx context.Context, fingerprint string) error {
	return s.client.Del(ctx, s.key(fingerprint)).Err()
}

func (s *RedisLinkStore) Close() error {
	return s.client.Close()
}

func (s *RedisLinkStore) key(fingerprint string) string {
	return s.keyPrefix + fingerprint
}
