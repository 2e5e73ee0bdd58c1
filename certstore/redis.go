package certstore

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "certificate:"

// RedisStore keeps certificates in Redis, one JSON value per domain under
// certificate:<domain>. Writes are last-writer-wins.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore on an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

type redisCertificate struct {
	Key       string `json:"key"`
	FullChain string `json:"fullchain"`
}

func (s *RedisStore) Get(ctx context.Context, name string) (*Certificate, error) {
	value, err := s.client.Get(ctx, redisKeyPrefix+name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRedisCertificate(value)
}

func (s *RedisStore) Put(ctx context.Context, name string, cert *Certificate) error {
	encoded, err := json.Marshal(redisCertificate{
		Key:       string(cert.Key),
		FullChain: string(cert.FullChain),
	})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+name, encoded, 0).Err()
}

func (s *RedisStore) AsMap(ctx context.Context) (map[string]*Certificate, error) {
	certs := make(map[string]*Certificate)
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		value, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		cert, err := decodeRedisCertificate(value)
		if err != nil {
			return nil, err
		}
		certs[key[len(redisKeyPrefix):]] = cert
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return certs, nil
}

func decodeRedisCertificate(value string) (*Certificate, error) {
	var decoded redisCertificate
	if err := json.Unmarshal([]byte(value), &decoded); err != nil {
		return nil, err
	}
	return &Certificate{
		Key:       []byte(decoded.Key),
		FullChain: []byte(decoded.FullChain),
	}, nil
}
