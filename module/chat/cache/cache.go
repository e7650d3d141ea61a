// Package cache 是会话事件的本地持久缓存：
// (chat, eventIndex) -> EventWrapper，外加二级索引 (chat, messageIndex) -> eventIndex。
package cache

import (
	"context"
	"encoding/json"
	"strconv"

	"PPSync/logger"
	"PPSync/module/chat/model"
	"PPSync/service/storage"
	"PPSync/tools/errs"

	"go.uber.org/zap"
)

// SchemaVersion 持久化格式变化时加一，旧数据在 Open 时整体清空
const SchemaVersion = 3

const (
	BucketEvents       = "events"
	BucketMessageIndex = "message_index"
	BucketMeta         = "meta"
)

var schemaKey = storage.Key{Chat: "", N: 0}

type Options struct {
	PageSize   int // 一页最多返回的消息事件数
	ScanFactor int // 单方向最多扫描 PageSize*ScanFactor 个下标
	Logger     *zap.Logger
}

func (o *Options) norm() {
	if o.PageSize <= 0 {
		o.PageSize = 40
	}
	if o.ScanFactor <= 0 {
		o.ScanFactor = 4
	}
	o.Logger = logger.Named(o.Logger, "cache")
}

type Cache struct {
	store storage.Store
	opts  Options
	log   *zap.Logger
}

// Open 校验 schema 版本，不一致时清空整个存储后写入当前版本
func Open(ctx context.Context, store storage.Store, opts Options) (*Cache, error) {
	opts.norm()
	c := &Cache{store: store, opts: opts, log: opts.Logger}

	var stored int64 = -1
	err := store.View(ctx, func(tx storage.Tx) error {
		v, ok, err := tx.Get(ctx, BucketMeta, schemaKey)
		if err != nil || !ok {
			return err
		}
		stored, err = strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			stored = -1
		}
		return nil
	})
	if err != nil {
		return nil, errs.ErrStorageFault.WrapMsg("read schema version", "err", err)
	}
	if stored == SchemaVersion {
		return c, nil
	}
	if stored >= 0 {
		c.log.Warn("[Cache] schema changed, wiping", zap.Int64("stored", stored), zap.Int("current", SchemaVersion))
	}
	if err := store.Truncate(ctx); err != nil {
		return nil, errs.ErrStorageFault.WrapMsg("truncate", "err", err)
	}
	err = store.Update(ctx, func(tx storage.Tx) error {
		return tx.Put(ctx, BucketMeta, schemaKey, []byte(strconv.Itoa(SchemaVersion)))
	})
	if err != nil {
		return nil, errs.ErrStorageFault.WrapMsg("write schema version", "err", err)
	}
	return c, nil
}

func (c *Cache) PageSize() int { return c.opts.PageSize }

// MessageEventIndex 二级索引查询
func (c *Cache) MessageEventIndex(ctx context.Context, chat string, messageIndex int64) (int64, bool, error) {
	var (
		idx   int64
		found bool
	)
	err := c.store.View(ctx, func(tx storage.Tx) error {
		var err error
		idx, found, err = lookupMessageIndex(ctx, tx, chat, messageIndex)
		return err
	})
	if err != nil {
		return 0, false, errs.ErrStorageFault.WrapMsg("message index lookup", "chat", chat, "err", err)
	}
	return idx, found, nil
}

func lookupMessageIndex(ctx context.Context, tx storage.Tx, chat string, messageIndex int64) (int64, bool, error) {
	v, ok, err := tx.Get(ctx, BucketMessageIndex, storage.Key{Chat: chat, N: messageIndex})
	if err != nil || !ok {
		return 0, false, err
	}
	idx, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return idx, true, nil
}

func encode(ev model.EventWrapper) ([]byte, error) {
	if m, ok := ev.Message(); ok && (m.Content.BlobData != nil || (m.Content.Blob != nil && m.Content.BlobURL == "")) {
		cp := m.Clone()
		cp.Content.StripBlob()
		ev.Event = cp
	}
	return json.Marshal(ev)
}

func decode(raw []byte) (model.EventWrapper, error) {
	var ev model.EventWrapper
	err := json.Unmarshal(raw, &ev)
	return ev, err
}

// Put 幂等写入一批事件及其二级索引，全部在一个事务里
func (c *Cache) Put(ctx context.Context, chat string, events []model.EventWrapper) error {
	if len(events) == 0 {
		return nil
	}
	err := c.store.Update(ctx, func(tx storage.Tx) error {
		for _, ev := range events {
			key := storage.Key{Chat: chat, N: ev.Index}
			raw, err := encode(ev)
			if err != nil {
				return errs.ErrInvalidArgument.WrapMsg("encode event", "index", ev.Index, "err", err)
			}
			// 同一下标原来是另一条消息时，撤掉它的二级索引
			if old, ok, err := tx.Get(ctx, BucketEvents, key); err != nil {
				return err
			} else if ok {
				if err := c.dropSecondary(ctx, tx, chat, ev.Index, old); err != nil {
					return err
				}
			}
			if err := tx.Put(ctx, BucketEvents, key, raw); err != nil {
				return err
			}
			if m, ok := ev.Message(); ok {
				mk := storage.Key{Chat: chat, N: m.MessageIndex}
				if err := tx.Put(ctx, BucketMessageIndex, mk, []byte(strconv.FormatInt(ev.Index, 10))); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if errs.Code(err) == errs.InvalidArgument {
			return err
		}
		return errs.ErrStorageFault.WrapMsg("put events", "chat", chat, "count", len(events), "err", err)
	}
	return nil
}

func (c *Cache) dropSecondary(ctx context.Context, tx storage.Tx, chat string, index int64, raw []byte) error {
	old, err := decode(raw)
	if err != nil {
		return nil
	}
	m, ok := old.Message()
	if !ok {
		return nil
	}
	cur, found, err := lookupMessageIndex(ctx, tx, chat, m.MessageIndex)
	if err != nil {
		return err
	}
	if found && cur == index {
		return tx.Delete(ctx, BucketMessageIndex, storage.Key{Chat: chat, N: m.MessageIndex})
	}
	return nil
}

// Evict 删掉被后端标记为已更新的事件，之后由调用方重新拉取
func (c *Cache) Evict(ctx context.Context, chat string, indexes []int64) error {
	if len(indexes) == 0 {
		return nil
	}
	err := c.store.Update(ctx, func(tx storage.Tx) error {
		for _, idx := range indexes {
			if err := c.evictOne(ctx, tx, chat, idx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.ErrStorageFault.WrapMsg("evict", "chat", chat, "err", err)
	}
	return nil
}

func (c *Cache) evictOne(ctx context.Context, tx storage.Tx, chat string, idx int64) error {
	key := storage.Key{Chat: chat, N: idx}
	raw, ok, err := tx.Get(ctx, BucketEvents, key)
	if err != nil || !ok {
		return err
	}
	if err := c.dropSecondary(ctx, tx, chat, idx, raw); err != nil {
		return err
	}
	return tx.Delete(ctx, BucketEvents, key)
}

// DeleteRange 删除 [from, to] 内的全部事件
func (c *Cache) DeleteRange(ctx context.Context, chat string, from, to int64) error {
	err := c.store.Update(ctx, func(tx storage.Tx) error {
		var found []int64
		if err := tx.Scan(ctx, BucketEvents, chat, from, to, false, func(n int64, _ []byte) bool {
			found = append(found, n)
			return true
		}); err != nil {
			return err
		}
		for _, idx := range found {
			if err := c.evictOne(ctx, tx, chat, idx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.ErrStorageFault.WrapMsg("delete range", "chat", chat, "from", from, "to", to, "err", err)
	}
	return nil
}
