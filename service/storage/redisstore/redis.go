// Package redisstore 以 Redis 实现 storage.Store：
// 每个 (bucket, chat) 一个 ZSET 存有序键、一个 HASH 存值，提交时用 MULTI/EXEC 一次写入。
package redisstore

import (
	"context"
	"strconv"
	"time"

	"PPSync/service/storage"
	"PPSync/tools/errs"

	"github.com/redis/go-redis/v9"
)

// Config 用于初始化 Redis
type Config struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	PoolSize  int    `mapstructure:"pool_size"`
	Namespace string `mapstructure:"namespace"` // key 前缀，按身份隔离
}

const scanPage = 256

type Store struct {
	rdb   redis.UniversalClient
	ns    string
	owned bool
}

var _ storage.Store = (*Store)(nil)

// Open 建连并 PING 一次
func Open(ctx context.Context, c Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errs.ErrStorageFault.WrapMsg("redis ping failed", "addr", c.Addr, "err", err)
	}
	s := New(rdb, c.Namespace)
	s.owned = true
	return s, nil
}

// New 复用外部 client，Close 不会关闭它
func New(rdb redis.UniversalClient, namespace string) *Store {
	if namespace == "" {
		namespace = "ppsync"
	}
	return &Store{rdb: rdb, ns: namespace}
}

func (s *Store) zkey(bucket, chat string) string { return s.ns + ":" + bucket + ":{" + chat + "}:z" }
func (s *Store) hkey(bucket, chat string) string { return s.ns + ":" + bucket + ":{" + chat + "}:h" }

func field(n int64) string { return strconv.FormatInt(n, 10) }

func (s *Store) Update(ctx context.Context, fn func(storage.Tx) error) error {
	tx := &redisTx{s: s, ws: storage.NewWriteSet()}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.ws.Len() == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, op := range tx.ws.Ops() {
			z, h := s.zkey(op.Bucket, op.Key.Chat), s.hkey(op.Bucket, op.Key.Chat)
			f := field(op.Key.N)
			if op.Deleted() {
				p.ZRem(ctx, z, f)
				p.HDel(ctx, h, f)
				continue
			}
			p.ZAdd(ctx, z, redis.Z{Score: float64(op.Key.N), Member: f})
			p.HSet(ctx, h, f, op.Value)
		}
		return nil
	})
	if err != nil {
		return errs.ErrStorageFault.WrapMsg("redis exec", "err", err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(storage.Tx) error) error {
	return fn(&redisTx{s: s})
}

func (s *Store) Truncate(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.ns+":*", scanPage).Result()
		if err != nil {
			return errs.ErrStorageFault.WrapMsg("redis scan", "err", err)
		}
		if len(keys) > 0 {
			if err := s.rdb.Unlink(ctx, keys...).Err(); err != nil {
				return errs.ErrStorageFault.WrapMsg("redis unlink", "err", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *Store) Close() error {
	if s.owned {
		return s.rdb.Close()
	}
	return nil
}

type redisTx struct {
	s  *Store
	ws *storage.WriteSet // View 时为 nil
}

func (t *redisTx) Get(ctx context.Context, bucket string, k storage.Key) ([]byte, bool, error) {
	if t.ws != nil {
		if v, found := t.ws.Lookup(bucket, k); found {
			return v, v != nil, nil
		}
	}
	v, err := t.s.rdb.HGet(ctx, t.s.hkey(bucket, k.Chat), field(k.N)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.ErrStorageFault.WrapMsg("redis hget", "key", k.String(), "err", err)
	}
	return v, true, nil
}

func (t *redisTx) Put(ctx context.Context, bucket string, k storage.Key, v []byte) error {
	if t.ws == nil {
		return errs.ErrStorageFault.WrapMsg("put in read-only transaction")
	}
	t.ws.Put(bucket, k, v)
	return nil
}

func (t *redisTx) Delete(ctx context.Context, bucket string, k storage.Key) error {
	if t.ws == nil {
		return errs.ErrStorageFault.WrapMsg("delete in read-only transaction")
	}
	t.ws.Delete(bucket, k)
	return nil
}

// Scan 分页取 ZSET 成员，再 HMGET 取值
func (t *redisTx) Scan(ctx context.Context, bucket, chat string, from, to int64, desc bool, fn storage.ScanFunc) error {
	z, h := t.s.zkey(bucket, chat), t.s.hkey(bucket, chat)
	var base []storage.Entry
	for offset := int64(0); ; offset += scanPage {
		by := &redis.ZRangeBy{Min: field(from), Max: field(to), Offset: offset, Count: scanPage}
		var (
			members []string
			err     error
		)
		if desc {
			members, err = t.s.rdb.ZRevRangeByScore(ctx, z, by).Result()
		} else {
			members, err = t.s.rdb.ZRangeByScore(ctx, z, by).Result()
		}
		if err != nil {
			return errs.ErrStorageFault.WrapMsg("redis zrange", "key", z, "err", err)
		}
		if len(members) == 0 {
			break
		}
		vals, err := t.s.rdb.HMGet(ctx, h, members...).Result()
		if err != nil {
			return errs.ErrStorageFault.WrapMsg("redis hmget", "key", h, "err", err)
		}
		for i, m := range members {
			n, err := strconv.ParseInt(m, 10, 64)
			if err != nil || vals[i] == nil {
				continue
			}
			str, ok := vals[i].(string)
			if !ok {
				continue
			}
			base = append(base, storage.Entry{N: n, Value: []byte(str)})
		}
		if len(members) < scanPage {
			break
		}
	}
	ws := t.ws
	if ws == nil {
		ws = storage.NewWriteSet()
	}
	ws.MergeScan(bucket, chat, from, to, desc, base, fn)
	return nil
}
