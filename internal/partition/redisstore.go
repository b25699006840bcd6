package partition

import (
	"context"
	"encoding/json"
	"sort"

	platformerrors "github.com/jmgilman/go/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps partitions in Redis so several worker processes can share
// one cache. Per partition it uses a hash of envelopes, a sorted set of keys
// scored by insertion sequence and a sequence counter.
type RedisStore struct {
	rdb       *redis.Client
	namespace string
}

// RedisConfig configures NewRedisStore.
type RedisConfig struct {
	Addr      string
	DB        int
	Password  string
	Namespace string
}

func NewRedisStore(cfg RedisConfig) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	ns := cfg.Namespace
	if ns == "" {
		ns = "swcache"
	}
	return &RedisStore{rdb: rdb, namespace: ns}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) setKey() string { return s.namespace + ":partitions" }

func (s *RedisStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	if err := s.rdb.SAdd(ctx, s.setKey(), name).Err(); err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "create partition %q", name)
	}
	prefix := s.namespace + ":p:" + name
	return &redisPartition{
		rdb:     s.rdb,
		name:    name,
		setKey:  s.setKey(),
		entries: prefix + ":entries",
		order:   prefix + ":order",
		seq:     prefix + ":seq",
	}, nil
}

func (s *RedisStore) Names(ctx context.Context) ([]string, error) {
	names, err := s.rdb.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeDatabase, "list partitions")
	}
	sort.Strings(names)
	return names, nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) (bool, error) {
	prefix := s.namespace + ":p:" + name
	var removed *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, s.setKey(), name)
		pipe.Del(ctx, prefix+":entries", prefix+":order", prefix+":seq")
		return nil
	})
	if err != nil {
		return false, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "delete partition %q", name)
	}
	return removed.Val() > 0, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

type redisPartition struct {
	rdb     *redis.Client
	name    string
	setKey  string
	entries string
	order   string
	seq     string
}

func (p *redisPartition) Name() string { return p.name }

func (p *redisPartition) Match(ctx context.Context, key string) (*Response, error) {
	data, err := p.rdb.HGet(ctx, p.entries, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "read entry in %q", p.name)
	}
	env, ok := decodeEnvelope(data, key)
	if !ok {
		_, _ = p.Delete(ctx, key)
		return nil, nil
	}
	return env.response(), nil
}

func (p *redisPartition) Put(ctx context.Context, key string, resp *Response) error {
	member, err := p.rdb.SIsMember(ctx, p.setKey, p.name).Result()
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeDatabase, "check partition")
	}
	if !member {
		return errDeleted(p.name)
	}
	seq, err := p.rdb.Incr(ctx, p.seq).Result()
	if err != nil {
		return platformerrors.Wrapf(err, platformerrors.CodeDatabase, "allocate sequence in %q", p.name)
	}
	content, err := json.Marshal(newEnvelope(key, uint64(seq), resp))
	if err != nil {
		return err
	}
	_, err = p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, p.entries, key, content)
		pipe.ZAdd(ctx, p.order, redis.Z{Score: float64(seq), Member: key})
		return nil
	})
	if err != nil {
		return platformerrors.Wrapf(err, platformerrors.CodeDatabase, "write entry in %q", p.name)
	}
	return nil
}

func (p *redisPartition) Delete(ctx context.Context, key string) (bool, error) {
	var removed *redis.IntCmd
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, p.entries, key)
		pipe.ZRem(ctx, p.order, key)
		return nil
	})
	if err != nil {
		return false, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "delete entry in %q", p.name)
	}
	return removed.Val() > 0, nil
}

func (p *redisPartition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.rdb.ZRange(ctx, p.order, 0, -1).Result()
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeDatabase, "list entries in %q", p.name)
	}
	return keys, nil
}
