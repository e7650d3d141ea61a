package cache

import (
	"context"

	"PPSync/module/chat/model"
	"PPSync/service/storage"

	"go.uber.org/zap"
)

type Miss int

const (
	MissNone Miss = iota
	MissPartial
	MissTotal // 窗口中心都没解析出来
)

func (m Miss) String() string {
	switch m {
	case MissNone:
		return "none"
	case MissPartial:
		return "partial"
	default:
		return "total"
	}
}

// Result 读结果；Events 按 Index 升序，Missing 是窗口内缓存里没有的下标
type Result struct {
	Events  []model.EventWrapper
	Missing []int64
	Miss    Miss
}

func (r Result) MessageCount() int {
	n := 0
	for _, e := range r.Events {
		if e.IsMessage() {
			n++
		}
	}
	return n
}

func totalMiss() Result { return Result{Miss: MissTotal} }

// walker 沿一个方向收集事件，缺失的下标也计入预算（它可能就是一条消息）
type walker struct {
	c       *Cache
	chat    string
	events  []model.EventWrapper
	missing []int64
}

func (w *walker) walk(ctx context.Context, tx storage.Tx, start int64, bounds model.IndexRange, asc bool, budget int) error {
	if budget <= 0 || !bounds.Contains(start) {
		return nil
	}
	span := int64(budget * w.c.opts.ScanFactor)
	from, to := start, start+span-1
	if !asc {
		from, to = start-span+1, start
	}
	if from < bounds.Min {
		from = bounds.Min
	}
	if to > bounds.Max {
		to = bounds.Max
	}

	present := make(map[int64]model.EventWrapper)
	err := tx.Scan(ctx, BucketEvents, w.chat, from, to, !asc, func(n int64, raw []byte) bool {
		ev, err := decode(raw)
		if err != nil {
			w.c.log.Warn("[Cache] undecodable event, treating as missing",
				zap.String("chat", w.chat), zap.Int64("index", n), zap.Error(err))
			return true
		}
		present[n] = ev
		return true
	})
	if err != nil {
		return err
	}

	count := 0
	step := int64(1)
	if !asc {
		step = -1
	}
	for i := start; i >= from && i <= to && count < budget; i += step {
		ev, ok := present[i]
		if !ok {
			w.missing = append(w.missing, i)
			count++
			continue
		}
		w.events = append(w.events, ev)
		if ev.IsMessage() {
			count++
		}
	}
	return nil
}

func (w *walker) result() Result {
	model.SortByIndex(w.events)
	sortInt64(w.missing)
	r := Result{Events: w.events, Missing: w.missing}
	if len(w.missing) > 0 {
		r.Miss = MissPartial
	}
	return r
}

// Window 以 centerMessageIndex 为中心向两侧各取半页
func (c *Cache) Window(ctx context.Context, chat string, bounds model.IndexRange, centerMessageIndex int64) Result {
	w := &walker{c: c, chat: chat}
	err := c.store.View(ctx, func(tx storage.Tx) error {
		center, ok, err := lookupMessageIndex(ctx, tx, chat, centerMessageIndex)
		if err != nil {
			return err
		}
		if !ok || !bounds.Contains(center) {
			w = nil
			return nil
		}
		half := c.opts.PageSize / 2
		if half == 0 {
			half = 1
		}
		if err := w.walk(ctx, tx, center, bounds, true, half); err != nil {
			return err
		}
		return w.walk(ctx, tx, center-1, bounds, false, half)
	})
	if err != nil {
		c.log.Warn("[Cache] window read failed", zap.String("chat", chat), zap.Error(err))
		return totalMiss()
	}
	if w == nil {
		return totalMiss()
	}
	return w.result()
}

// Range 从 start 单向取一页
func (c *Cache) Range(ctx context.Context, chat string, bounds model.IndexRange, start int64, ascending bool) Result {
	w := &walker{c: c, chat: chat}
	err := c.store.View(ctx, func(tx storage.Tx) error {
		return w.walk(ctx, tx, start, bounds, ascending, c.opts.PageSize)
	})
	if err != nil {
		c.log.Warn("[Cache] range read failed", zap.String("chat", chat), zap.Error(err))
		return totalMiss()
	}
	return w.result()
}

// ByIndexes 按下标点查，回复引用回填时使用
func (c *Cache) ByIndexes(ctx context.Context, chat string, indexes []int64) Result {
	if len(indexes) == 0 {
		return Result{}
	}
	var r Result
	err := c.store.View(ctx, func(tx storage.Tx) error {
		seen := make(map[int64]struct{}, len(indexes))
		for _, idx := range indexes {
			if _, dup := seen[idx]; dup {
				continue
			}
			seen[idx] = struct{}{}
			raw, ok, err := tx.Get(ctx, BucketEvents, storage.Key{Chat: chat, N: idx})
			if err != nil {
				return err
			}
			if !ok {
				r.Missing = append(r.Missing, idx)
				continue
			}
			ev, err := decode(raw)
			if err != nil {
				r.Missing = append(r.Missing, idx)
				continue
			}
			r.Events = append(r.Events, ev)
		}
		return nil
	})
	if err != nil {
		c.log.Warn("[Cache] point read failed", zap.String("chat", chat), zap.Error(err))
		r = Result{Missing: append([]int64(nil), indexes...)}
	}
	model.SortByIndex(r.Events)
	sortInt64(r.Missing)
	switch {
	case len(r.Events) == 0:
		r.Miss = MissTotal
	case len(r.Missing) > 0:
		r.Miss = MissPartial
	}
	return r
}
