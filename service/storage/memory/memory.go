// Package memory 进程内存储，测试和无持久化需求的客户端使用
package memory

import (
	"context"
	"sync"

	"PPSync/service/storage"
	"PPSync/tools/errs"
)

type chatKeys map[int64][]byte

type Store struct {
	mu      sync.RWMutex
	buckets map[string]map[string]chatKeys // bucket -> chat -> n -> value
	closed  bool

	// FailNext 非 nil 时下一次 Update/View 返回该错误，测试注入故障用
	FailNext error
}

func New() *Store {
	return &Store{buckets: make(map[string]map[string]chatKeys)}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) takeFault() error {
	if s.closed {
		return errs.ErrStorageFault.WrapMsg("store closed")
	}
	if err := s.FailNext; err != nil {
		s.FailNext = nil
		return err
	}
	return nil
}

func (s *Store) Update(ctx context.Context, fn func(storage.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	tx := &memTx{s: s, ws: storage.NewWriteSet()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, op := range tx.ws.Ops() {
		if op.Deleted() {
			s.del(op.Bucket, op.Key)
		} else {
			s.put(op.Bucket, op.Key, op.Value)
		}
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(storage.Tx) error) error {
	s.mu.Lock()
	fault := s.takeFault()
	s.mu.Unlock()
	if fault != nil {
		return fault
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{s: s, readOnly: true})
}

func (s *Store) Truncate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = make(map[string]map[string]chatKeys)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) put(bucket string, k storage.Key, v []byte) {
	b := s.buckets[bucket]
	if b == nil {
		b = make(map[string]chatKeys)
		s.buckets[bucket] = b
	}
	c := b[k.Chat]
	if c == nil {
		c = make(chatKeys)
		b[k.Chat] = c
	}
	c[k.N] = v
}

func (s *Store) del(bucket string, k storage.Key) {
	if c := s.buckets[bucket][k.Chat]; c != nil {
		delete(c, k.N)
	}
}

type memTx struct {
	s        *Store
	ws       *storage.WriteSet
	readOnly bool
}

func (t *memTx) Get(ctx context.Context, bucket string, k storage.Key) ([]byte, bool, error) {
	if t.ws != nil {
		if v, found := t.ws.Lookup(bucket, k); found {
			return v, v != nil, nil
		}
	}
	v, ok := t.s.buckets[bucket][k.Chat][k.N]
	return v, ok, nil
}

func (t *memTx) Put(ctx context.Context, bucket string, k storage.Key, v []byte) error {
	if t.readOnly {
		return errs.ErrStorageFault.WrapMsg("put in read-only transaction")
	}
	t.ws.Put(bucket, k, v)
	return nil
}

func (t *memTx) Delete(ctx context.Context, bucket string, k storage.Key) error {
	if t.readOnly {
		return errs.ErrStorageFault.WrapMsg("delete in read-only transaction")
	}
	t.ws.Delete(bucket, k)
	return nil
}

func (t *memTx) Scan(ctx context.Context, bucket, chat string, from, to int64, desc bool, fn storage.ScanFunc) error {
	var base []storage.Entry
	for n, v := range t.s.buckets[bucket][chat] {
		if n >= from && n <= to {
			base = append(base, storage.Entry{N: n, Value: v})
		}
	}
	ws := t.ws
	if ws == nil {
		ws = storage.NewWriteSet()
	}
	ws.MergeScan(bucket, chat, from, to, desc, base, fn)
	return nil
}
