// Package storage 定义缓存使用的事务型 KV 存储抽象。
//
// 键空间按 bucket 划分，每个 bucket 内以 (chat, n) 为键，n 在同一 chat 下有序，
// 支持按区间正/反向扫描。一个 Update 内的多 bucket 写入要么全部生效要么全部丢弃。
package storage

import (
	"context"
	"sort"
	"strconv"
)

type Key struct {
	Chat string
	N    int64
}

func (k Key) String() string { return k.Chat + "/" + strconv.FormatInt(k.N, 10) }

// ScanFunc 返回 false 停止扫描
type ScanFunc func(n int64, v []byte) bool

type Tx interface {
	Get(ctx context.Context, bucket string, k Key) ([]byte, bool, error)
	Put(ctx context.Context, bucket string, k Key, v []byte) error
	Delete(ctx context.Context, bucket string, k Key) error
	// Scan 遍历 chat 下 n ∈ [from, to] 的键，desc 为 true 时从 to 向 from
	Scan(ctx context.Context, bucket, chat string, from, to int64, desc bool, fn ScanFunc) error
}

type Store interface {
	// Update fn 返回错误时丢弃本事务的全部写入
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	// Truncate 清空全部 bucket
	Truncate(ctx context.Context) error
	Close() error
}

// WriteSet 事务内缓冲的写入，Get/Scan 需要看到本事务自己的写。
// 没有原生读写事务的后端（redis、mongo）用它在提交时一次性落盘。
type WriteSet struct {
	ops   []Op
	index map[string]int
}

// Op Value 为 nil 表示删除
type Op struct {
	Bucket string
	Key    Key
	Value  []byte
}

func (o Op) Deleted() bool { return o.Value == nil }

func NewWriteSet() *WriteSet {
	return &WriteSet{index: make(map[string]int)}
}

func opID(bucket string, k Key) string { return bucket + "\x00" + k.String() }

func (w *WriteSet) Put(bucket string, k Key, v []byte) {
	cp := make([]byte, len(v))
	copy(cp, v)
	w.set(Op{Bucket: bucket, Key: k, Value: cp})
}

func (w *WriteSet) Delete(bucket string, k Key) {
	w.set(Op{Bucket: bucket, Key: k})
}

func (w *WriteSet) set(op Op) {
	id := opID(op.Bucket, op.Key)
	if i, ok := w.index[id]; ok {
		w.ops[i] = op
		return
	}
	w.index[id] = len(w.ops)
	w.ops = append(w.ops, op)
}

// Lookup found=false 表示本事务没碰过这个键
func (w *WriteSet) Lookup(bucket string, k Key) (v []byte, found bool) {
	i, ok := w.index[opID(bucket, k)]
	if !ok {
		return nil, false
	}
	return w.ops[i].Value, true
}

// Ops 按写入顺序返回（同键只保留最后一次）
func (w *WriteSet) Ops() []Op { return w.ops }

func (w *WriteSet) Len() int { return len(w.ops) }

// MergeScan 把底层扫描结果与本事务缓冲合并后回调。
// base 必须按扫描方向给出有序结果。
func (w *WriteSet) MergeScan(bucket, chat string, from, to int64, desc bool, base []Entry, fn ScanFunc) {
	merged := make(map[int64][]byte, len(base))
	for _, e := range base {
		merged[e.N] = e.Value
	}
	for _, op := range w.ops {
		if op.Bucket != bucket || op.Key.Chat != chat || op.Key.N < from || op.Key.N > to {
			continue
		}
		if op.Deleted() {
			delete(merged, op.Key.N)
		} else {
			merged[op.Key.N] = op.Value
		}
	}
	keys := make([]int64, 0, len(merged))
	for n := range merged {
		keys = append(keys, n)
	}
	SortKeys(keys, desc)
	for _, n := range keys {
		if !fn(n, merged[n]) {
			return
		}
	}
}

type Entry struct {
	N     int64
	Value []byte
}

func SortKeys(keys []int64, desc bool) {
	if desc {
		sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })
		return
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
}
