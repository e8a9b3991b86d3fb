package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// maxTxRetries bounds optimistic WATCH retries in Update
const maxTxRetries = 16

// Every write touching more than one key runs as a Lua script so Redis
// applies it atomically. KEYS: docs, keys, keyof, order, seq, version.
// Each write bumps the document's version key, which Update watches.
const (
	insertLua = `
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then return 'duplicate' end
if ARGV[2] ~= '' and redis.call('HEXISTS', KEYS[2], ARGV[2]) == 1 then return 'duplicate' end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
  redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
end
local seq = redis.call('INCR', KEYS[5])
redis.call('ZADD', KEYS[4], seq, ARGV[1])
redis.call('INCR', KEYS[6])
return 'ok'`

	replaceLua = `
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then return 'not_found' end
if ARGV[2] ~= '' then
  local owner = redis.call('HGET', KEYS[2], ARGV[2])
  if owner and owner ~= ARGV[1] then return 'duplicate' end
end
local old = redis.call('HGET', KEYS[3], ARGV[1])
if old and old ~= ARGV[2] then redis.call('HDEL', KEYS[2], old) end
if ARGV[2] ~= '' then
  redis.call('HSET', KEYS[2], ARGV[2], ARGV[1])
  redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
else
  redis.call('HDEL', KEYS[3], ARGV[1])
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('INCR', KEYS[6])
return 'ok'`

	deleteLua = `
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then return 'not_found' end
local old = redis.call('HGET', KEYS[3], ARGV[1])
if old then redis.call('HDEL', KEYS[2], old) end
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[6])
return 'ok'`
)

var (
	insertScript  = redis.NewScript(insertLua)
	replaceScript = redis.NewScript(replaceLua)
	deleteScript  = redis.NewScript(deleteLua)
)

// RedisStore implements Store on top of Redis hashes.
// Each collection uses five keys under a common prefix: the document hash,
// the secondary-key index, the reverse index, an insertion-order sorted set
// and a sequence counter. Each document also has a version counter.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	URI         string
	Prefix      string
	PoolSize    int
	PoolTimeout time.Duration
}

// NewRedisStore connects to the Redis server named by opts.URI
// (redis://[:password@]host:port/db).
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	ro, err := redis.ParseURL(opts.URI)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri: %w", err)
	}
	if opts.PoolSize > 0 {
		ro.PoolSize = opts.PoolSize
	}
	if opts.PoolTimeout > 0 {
		ro.PoolTimeout = opts.PoolTimeout
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "bookshelf"
	}
	return &RedisStore{client: redis.NewClient(ro), prefix: prefix}, nil
}

type redisKeys struct {
	base, docs, keys, keyof, order, seq string
}

func (k redisKeys) version(id string) string {
	return k.base + ":ver:" + id
}

// forDoc lists the script KEYS for a write to document id.
func (k redisKeys) forDoc(id string) []string {
	return []string{k.docs, k.keys, k.keyof, k.order, k.seq, k.version(id)}
}

func (s *RedisStore) keysFor(collection string) redisKeys {
	base := s.prefix + ":" + collection
	return redisKeys{
		base:  base,
		docs:  base + ":docs",
		keys:  base + ":keys",
		keyof: base + ":keyof",
		order: base + ":order",
		seq:   base + ":seq",
	}
}

func scriptResult(res string) error {
	switch res {
	case "ok":
		return nil
	case "not_found":
		return ErrNotFound
	case "duplicate":
		return ErrDuplicateKey
	default:
		return fmt.Errorf("unexpected script result %q", res)
	}
}

func (s *RedisStore) Insert(ctx context.Context, collection string, doc Document) error {
	k := s.keysFor(collection)
	res, err := insertScript.Run(ctx, s.client, k.forDoc(doc.ID), doc.ID, doc.Key, doc.Data).Text()
	if err != nil {
		return fmt.Errorf("redis insert %s/%s: %w", collection, doc.ID, err)
	}
	return scriptResult(res)
}

func (s *RedisStore) Get(ctx context.Context, collection, id string) (Document, error) {
	k := s.keysFor(collection)
	var dataCmd, keyCmd *redis.StringCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		dataCmd = pipe.HGet(ctx, k.docs, id)
		keyCmd = pipe.HGet(ctx, k.keyof, id)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Document{}, fmt.Errorf("redis get %s/%s: %w", collection, id, err)
	}
	data, err := dataCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("redis get %s/%s: %w", collection, id, err)
	}
	key, err := keyCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Document{}, fmt.Errorf("redis get key %s/%s: %w", collection, id, err)
	}
	return Document{ID: id, Key: key, Data: data}, nil
}

func (s *RedisStore) Replace(ctx context.Context, collection string, doc Document) error {
	k := s.keysFor(collection)
	res, err := replaceScript.Run(ctx, s.client, k.forDoc(doc.ID), doc.ID, doc.Key, doc.Data).Text()
	if err != nil {
		return fmt.Errorf("redis replace %s/%s: %w", collection, doc.ID, err)
	}
	return scriptResult(res)
}

// Update WATCHes the document's version key, so only a concurrent write to
// the same document aborts the transaction and forces a retry. Key
// uniqueness is still checked inside the replace script.
func (s *RedisStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) (Document, error) {
	k := s.keysFor(collection)
	var out Document

	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, k.docs, id).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := tx.HGet(ctx, k.keyof, id).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		next, err := fn(Document{ID: id, Key: key, Data: data})
		if err != nil {
			return err
		}
		next.ID = id

		var cmd *redis.Cmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			cmd = pipe.Eval(ctx, replaceLua, k.forDoc(id), id, next.Key, next.Data)
			return nil
		})
		if err != nil {
			return err
		}
		res, err := cmd.Text()
		if err != nil {
			return err
		}
		if err := scriptResult(res); err != nil {
			return err
		}
		out = next
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, k.version(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return Document{}, err
		}
		return out, nil
	}
	return Document{}, fmt.Errorf("redis update %s/%s: %w", collection, id, ErrTxAborted)
}

func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	k := s.keysFor(collection)
	res, err := deleteScript.Run(ctx, s.client, k.forDoc(id), id).Text()
	if err != nil {
		return fmt.Errorf("redis delete %s/%s: %w", collection, id, err)
	}
	return scriptResult(res)
}

func (s *RedisStore) List(ctx context.Context, collection string) ([]Document, error) {
	k := s.keysFor(collection)
	ids, err := s.client.ZRange(ctx, k.order, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return []Document{}, nil
	}

	var dataCmd, keyCmd *redis.SliceCmd
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		dataCmd = pipe.HMGet(ctx, k.docs, ids...)
		keyCmd = pipe.HMGet(ctx, k.keyof, ids...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", collection, err)
	}

	datas, keys := dataCmd.Val(), keyCmd.Val()
	docs := make([]Document, 0, len(ids))
	for i, id := range ids {
		data, ok := datas[i].(string)
		if !ok {
			// deleted between ZRANGE and HMGET
			continue
		}
		key, _ := keys[i].(string)
		docs = append(docs, Document{ID: id, Key: key, Data: []byte(data)})
	}
	return docs, nil
}

func (s *RedisStore) Stats(ctx context.Context, collection string) (StoreStats, error) {
	k := s.keysFor(collection)
	n, err := s.client.HLen(ctx, k.docs).Result()
	if err != nil {
		return StoreStats{}, fmt.Errorf("redis stats %s: %w", collection, err)
	}
	// byte totals would need a full scan; only the count is reported
	return StoreStats{Documents: int(n)}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
