package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"poruka/api/internal/model"
)

// RedisStore keeps each document as a JSON string and tracks collection
// membership in a set per collection. Unique fields are enforced with claim
// keys that map a field value to the owning document key.
type RedisStore struct {
	client *redis.Client
	prefix string
	unique map[string][]string
}

type RedisOption func(*RedisStore)

// WithUnique makes fields unique across documents of collection. A Put that
// would reuse a value owned by another document fails with UniqueViolation.
func WithUnique(collection string, fields ...string) RedisOption {
	return func(s *RedisStore) {
		s.unique[collection] = append(s.unique[collection], fields...)
	}
}

// NewRedisClient parses redisURL and verifies the server is reachable.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "doc:", unique: map[string][]string{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) docKey(collection, key string) string {
	return s.prefix + collection + ":" + key
}

func (s *RedisStore) setKey(collection string) string {
	return s.prefix + "members:" + collection
}

func (s *RedisStore) claimKey(collection, field, value string) string {
	return s.prefix + "unique:" + collection + ":" + field + ":" + value
}

func (s *RedisStore) claimIndexKey(collection, key string) string {
	return s.prefix + "claims:" + collection + ":" + key
}

// putClaimed checks every claim before touching anything, then moves the
// document's claims to the new values and writes the body.
//
// KEYS: document, members, claim index, one claim per unique field ("" when
// the field is empty). ARGV: payload, document key, unique field names.
var putClaimed = redis.NewScript(`
local owner = ARGV[2]
for i = 4, #KEYS do
  if KEYS[i] ~= '' then
    local current = redis.call('GET', KEYS[i])
    if current and current ~= owner then
      return ARGV[i - 1]
    end
  end
end
for i = 4, #KEYS do
  local field = ARGV[i - 1]
  local old = redis.call('HGET', KEYS[3], field)
  if old and old ~= KEYS[i] and redis.call('GET', old) == owner then
    redis.call('DEL', old)
  end
  if KEYS[i] == '' then
    redis.call('HDEL', KEYS[3], field)
  else
    redis.call('SET', KEYS[i], owner)
    redis.call('HSET', KEYS[3], field, KEYS[i])
  end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], owner)
return ''
`)

// deleteClaimed removes a document and releases the claims it owns.
var deleteClaimed = redis.NewScript(`
local claims = redis.call('HVALS', KEYS[3])
for _, claim in ipairs(claims) do
  if redis.call('GET', claim) == ARGV[1] then
    redis.call('DEL', claim)
  end
end
redis.call('DEL', KEYS[3])
redis.call('SREM', KEYS[2], ARGV[1])
return redis.call('DEL', KEYS[1])
`)

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, collection, key string) (Document, error) {
	raw, err := s.client.Get(ctx, s.docKey(collection, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, model.ErrNotFound
	}
	if err != nil {
		return Document{}, model.Unavailable(err, "get %s/%s", collection, key)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return Document{}, err
	}
	return Document{Collection: collection, Key: key, Fields: fields}, nil
}

func (s *RedisStore) Put(ctx context.Context, collection, key string, fields Fields) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}
	if fieldNames := s.unique[collection]; len(fieldNames) > 0 {
		return s.putUnique(ctx, collection, key, fieldNames, fields, payload)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(collection, key), payload, 0)
		pipe.SAdd(ctx, s.setKey(collection), key)
		return nil
	})
	if err != nil {
		return model.Unavailable(err, "put %s/%s", collection, key)
	}
	return nil
}

func (s *RedisStore) putUnique(ctx context.Context, collection, key string, fieldNames []string, fields Fields, payload []byte) error {
	keys := []string{s.docKey(collection, key), s.setKey(collection), s.claimIndexKey(collection, key)}
	args := []any{payload, key}
	for _, field := range fieldNames {
		claim := ""
		if value, _ := fields[field].(string); value != "" {
			claim = s.claimKey(collection, field, value)
		}
		keys = append(keys, claim)
		args = append(args, field)
	}
	conflict, err := putClaimed.Run(ctx, s.client, keys, args...).Text()
	if err != nil {
		return model.Unavailable(err, "put %s/%s", collection, key)
	}
	if conflict != "" {
		return &UniqueViolation{Collection: collection, Field: conflict}
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, collection, key string) error {
	if len(s.unique[collection]) > 0 {
		keys := []string{s.docKey(collection, key), s.setKey(collection), s.claimIndexKey(collection, key)}
		deleted, err := deleteClaimed.Run(ctx, s.client, keys, key).Int64()
		if err != nil {
			return model.Unavailable(err, "delete %s/%s", collection, key)
		}
		if deleted == 0 {
			return model.ErrNotFound
		}
		return nil
	}
	var deleted *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.docKey(collection, key))
		pipe.SRem(ctx, s.setKey(collection), key)
		return nil
	})
	if err != nil {
		return model.Unavailable(err, "delete %s/%s", collection, key)
	}
	if deleted.Val() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *RedisStore) QueryEqual(ctx context.Context, collection, field, value string) ([]Document, error) {
	docs, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	matched := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if doc.Fields.matches(field, value) {
			matched = append(matched, doc)
		}
	}
	return matched, nil
}

func (s *RedisStore) List(ctx context.Context, collection string) ([]Document, error) {
	keys, err := s.client.SMembers(ctx, s.setKey(collection)).Result()
	if err != nil {
		return nil, model.Unavailable(err, "list %s", collection)
	}
	docs := make([]Document, 0, len(keys))
	if len(keys) == 0 {
		return docs, nil
	}

	docKeys := make([]string, len(keys))
	for i, key := range keys {
		docKeys[i] = s.docKey(collection, key)
	}
	values, err := s.client.MGet(ctx, docKeys...).Result()
	if err != nil {
		return nil, model.Unavailable(err, "list %s", collection)
	}
	for i, value := range values {
		// A concurrent delete can leave a member without a body.
		raw, ok := value.(string)
		if !ok {
			continue
		}
		fields, err := decodeFields([]byte(raw))
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{Collection: collection, Key: keys[i], Fields: fields})
	}
	sortByKey(docs)
	return docs, nil
}
