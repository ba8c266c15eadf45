package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis keeps each table in three keys: a hash of values, a hash of index
// strings and a sorted set of "index\x00key" members scanned with ZRANGEBYLEX.
type Redis struct {
	rdb    *redis.Client
	prefix string
}

func NewRedis(rdb *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "mailsync"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) valuesKey(table string) string { return r.prefix + ":v:" + table }
func (r *Redis) indexKey(table string) string  { return r.prefix + ":i:" + table }
func (r *Redis) lexKey(table string) string    { return r.prefix + ":z:" + table }

func lexMember(index, key string) string {
	return index + "\x00" + key
}

func (r *Redis) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	value, err := r.rdb.HGet(ctx, r.valuesKey(table), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis hget %s/%s: %w", table, key, err)
	}
	return value, nil
}

func (r *Redis) Put(ctx context.Context, table, key, index string, value []byte) error {
	if err := validTable(table); err != nil {
		return err
	}
	old, err := r.rdb.HGet(ctx, r.indexKey(table), key).Result()
	hadOld := true
	if errors.Is(err, redis.Nil) {
		hadOld = false
	} else if err != nil {
		return fmt.Errorf("redis hget index %s/%s: %w", table, key, err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.valuesKey(table), key, value)
		pipe.HSet(ctx, r.indexKey(table), key, index)
		if hadOld {
			pipe.ZRem(ctx, r.lexKey(table), lexMember(old, key))
		}
		pipe.ZAdd(ctx, r.lexKey(table), redis.Z{Score: 0, Member: lexMember(index, key)})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s/%s: %w", table, key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, table, key string) error {
	if err := validTable(table); err != nil {
		return err
	}
	old, err := r.rdb.HGet(ctx, r.indexKey(table), key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis hget index %s/%s: %w", table, key, err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.valuesKey(table), key)
		pipe.HDel(ctx, r.indexKey(table), key)
		pipe.ZRem(ctx, r.lexKey(table), lexMember(old, key))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s/%s: %w", table, key, err)
	}
	return nil
}

func (r *Redis) GetAll(ctx context.Context, table string) ([]Record, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	values, err := r.rdb.HGetAll(ctx, r.valuesKey(table)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", table, err)
	}
	indexes, err := r.rdb.HGetAll(ctx, r.indexKey(table)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall index %s: %w", table, err)
	}
	out := make([]Record, 0, len(values))
	for k, v := range values {
		out = append(out, Record{Key: k, Index: indexes[k], Value: []byte(v)})
	}
	sortRecords(out)
	return out, nil
}

func (r *Redis) ScanIndex(ctx context.Context, table, min, max string) ([]Record, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	members, err := r.rdb.ZRangeByLex(ctx, r.lexKey(table), &redis.ZRangeBy{
		Min: "[" + min,
		Max: "(" + max + "\x01",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebylex %s: %w", table, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(members))
	indexes := make([]string, 0, len(members))
	for _, m := range members {
		idx, key, ok := strings.Cut(m, "\x00")
		if !ok {
			continue
		}
		indexes = append(indexes, idx)
		keys = append(keys, key)
	}
	values, err := r.rdb.HMGet(ctx, r.valuesKey(table), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget %s: %w", table, err)
	}
	out := make([]Record, 0, len(keys))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, Record{Key: keys[i], Index: indexes[i], Value: []byte(s)})
	}
	return out, nil
}

func (r *Redis) Close() error {
	return nil
}
