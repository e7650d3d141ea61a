package controller

import (
	"context"
	"fmt"

	"PPSync/module/chat/cache"
	"PPSync/module/chat/model"

	"go.uber.org/zap"
)

func (c *Controller) storeEvents(ctx context.Context, evs []model.EventWrapper) {
	if len(evs) == 0 {
		return
	}
	if err := c.deps.Cache.Put(ctx, c.chat, evs); err != nil {
		c.log.Warn("[Controller] cache write failed", zap.Int("events", len(evs)), zap.Error(err))
	}
}

// shared 同一个 key 的并发拉取只发一次后端请求
func (c *Controller) shared(key string, fn func() ([]model.EventWrapper, error)) ([]model.EventWrapper, error) {
	v, err, _ := c.flight.Do(key, func() (any, error) { return fn() })
	evs, _ := v.([]model.EventWrapper)
	return evs, err
}

// resolve 缓存命中直接用；缺口少时按下标补，缺口多或整体未命中时走 full 整页拉取
func (c *Controller) resolve(ctx context.Context, r cache.Result, key string, full func() ([]model.EventWrapper, error)) ([]model.EventWrapper, error) {
	switch {
	case r.Miss == cache.MissNone:
		return r.Events, nil
	case r.Miss == cache.MissTotal || len(r.Missing) > c.conf.MissThreshold:
		return c.shared(key, func() ([]model.EventWrapper, error) {
			evs, err := full()
			if err != nil {
				return nil, err
			}
			c.storeEvents(ctx, evs)
			return evs, nil
		})
	}
	filled, err := c.fetchIndexes(ctx, r.Missing)
	if err != nil {
		return r.Events, err
	}
	return model.Dedupe(append(r.Events, filled...)), nil
}

func (c *Controller) fetchIndexes(ctx context.Context, indexes []int64) ([]model.EventWrapper, error) {
	if len(indexes) == 0 {
		return nil, nil
	}
	key := fmt.Sprintf("idx:%v", indexes)
	return c.shared(key, func() ([]model.EventWrapper, error) {
		evs, err := c.deps.Backend.EventsByIndex(ctx, c.chat, indexes)
		if err != nil {
			return nil, err
		}
		c.storeEvents(ctx, evs)
		return evs, nil
	})
}

func (c *Controller) fetchWindow(ctx context.Context, center int64) ([]model.EventWrapper, error) {
	bounds := c.bounds()
	r := c.deps.Cache.Window(ctx, c.chat, bounds, center)
	return c.resolve(ctx, r, fmt.Sprintf("window:%d", center), func() ([]model.EventWrapper, error) {
		return c.deps.Backend.EventsWindow(ctx, c.chat, bounds, center, c.deps.Cache.PageSize())
	})
}

func (c *Controller) fetchRange(ctx context.Context, start int64, ascending bool) ([]model.EventWrapper, error) {
	bounds := c.bounds()
	r := c.deps.Cache.Range(ctx, c.chat, bounds, start, ascending)
	return c.resolve(ctx, r, fmt.Sprintf("range:%d:%t", start, ascending), func() ([]model.EventWrapper, error) {
		return c.deps.Backend.EventsRange(ctx, c.chat, bounds, start, ascending, c.deps.Cache.PageSize())
	})
}

// JumpTo 清空列表，以 messageIndex 为中心重新加载；旧的在途请求结果作废
func (c *Controller) JumpTo(ctx context.Context, messageIndex int64) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	c.events = make(map[int64]model.EventWrapper)
	c.byMessageID = make(map[string]int64)
	c.loFrom, c.loTo = 0, -1
	c.mu.Unlock()

	evs, err := c.fetchWindow(ctx, messageIndex)
	if err != nil {
		c.publish()
		return err
	}
	c.apply(ctx, epoch, evs, true)
	return nil
}

// LoadPrevious 向前加载一页；返回是否还有更早的事件
func (c *Controller) LoadPrevious(ctx context.Context) (bool, error) {
	if err := c.requireOpen(); err != nil {
		return false, err
	}
	c.mu.Lock()
	epoch, from, empty, floor := c.epoch, c.loFrom, c.loFrom > c.loTo, c.summary.Bounds.Min
	c.mu.Unlock()
	if empty || from <= floor {
		return false, nil
	}
	evs, err := c.fetchRange(ctx, from-1, false)
	if err != nil {
		return true, err
	}
	if !c.apply(ctx, epoch, evs, true) {
		return false, nil
	}
	c.mu.Lock()
	more := c.loFrom > c.summary.Bounds.Min
	c.mu.Unlock()
	return more, nil
}

// LoadNew 向后加载一页；返回是否已追到最新
func (c *Controller) LoadNew(ctx context.Context) (bool, error) {
	if err := c.requireOpen(); err != nil {
		return false, err
	}
	c.mu.Lock()
	epoch, to, last := c.epoch, c.loTo, c.summary.Bounds.Max
	if c.loFrom > c.loTo {
		to = c.summary.Bounds.Min - 1
	}
	c.mu.Unlock()
	if to >= last {
		return true, nil
	}
	evs, err := c.fetchRange(ctx, to+1, true)
	if err != nil {
		return false, err
	}
	if len(evs) == 0 {
		return true, nil
	}
	if !c.apply(ctx, epoch, evs, true) {
		return true, nil
	}
	c.mu.Lock()
	done := c.loTo >= c.summary.Bounds.Max
	c.mu.Unlock()
	return done, nil
}

// Poll 一次轮询：概要、已读同步、追新事件、刷新被修改的历史事件、清理过期的对端状态
func (c *Controller) Poll(ctx context.Context) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	epoch := c.currentEpoch()
	if err := c.refreshSummary(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	updated := c.summary.UpdatedEvents
	c.mu.Unlock()

	for i := 0; i < c.conf.CatchUpPages; i++ {
		done, err := c.LoadNew(ctx)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	if len(updated) > 0 {
		if err := c.refreshUpdated(ctx, epoch, updated); err != nil {
			return err
		}
	}

	if pruned := c.deps.Pending.PruneFromPeer(c.chat, c.conf.PeerEntryTTL); len(pruned) > 0 {
		for _, id := range pruned {
			c.deps.Reads.Forget(c.chat, id)
		}
		c.log.Debug("[Controller] pruned unconfirmed peer messages", zap.Strings("ids", pruned))
	}
	c.overlay.Prune()
	c.expireTyping()
	c.publish()
	return nil
}

// refreshUpdated 被修改的事件：缓存里作废，已加载的重新拉取替换
func (c *Controller) refreshUpdated(ctx context.Context, epoch uint64, indexes []int64) error {
	if err := c.deps.Cache.Evict(ctx, c.chat, indexes); err != nil {
		c.log.Warn("[Controller] evict failed", zap.Error(err))
	}
	c.mu.Lock()
	var loaded []int64
	for _, idx := range indexes {
		if _, ok := c.events[idx]; ok {
			loaded = append(loaded, idx)
		} else if _, ok := c.replies[idx]; ok {
			loaded = append(loaded, idx)
		}
	}
	c.mu.Unlock()
	if len(loaded) == 0 {
		return nil
	}
	evs, err := c.fetchIndexes(ctx, loaded)
	if err != nil {
		return err
	}
	c.apply(ctx, epoch, evs, false)
	return nil
}

// apply 合并已确认事件。先做已读提升和未确认移除，再放进列表。
// epoch 变了（跳转或关闭）则丢弃，返回 false。
func (c *Controller) apply(ctx context.Context, epoch uint64, evs []model.EventWrapper, extend bool) bool {
	if len(evs) == 0 {
		return c.currentEpoch() == epoch
	}
	if c.currentEpoch() != epoch {
		return false
	}
	var confirmed []model.EventWrapper
	for _, ev := range evs {
		if m, ok := ev.Message(); ok && c.deps.Pending.Contains(c.chat, m.MessageID) {
			c.deps.Reads.ConfirmMessage(c.chat, m.MessageIndex, m.MessageID)
			confirmed = append(confirmed, ev)
		}
	}

	c.mu.Lock()
	if c.epoch != epoch || c.closed {
		c.mu.Unlock()
		c.retire(confirmed)
		return false
	}
	lo, hi := evs[0].Index, evs[0].Index
	for _, ev := range evs {
		if ev.Index < lo {
			lo = ev.Index
		}
		if ev.Index > hi {
			hi = ev.Index
		}
		_, inList := c.events[ev.Index]
		if !extend && !inList {
			c.replies[ev.Index] = ev
			continue
		}
		c.put(ev)
	}
	if extend {
		if c.loFrom > c.loTo {
			c.loFrom, c.loTo = lo, hi
		} else {
			if lo < c.loFrom {
				c.loFrom = lo
			}
			if hi > c.loTo {
				c.loTo = hi
			}
		}
	}
	c.mu.Unlock()
	c.retire(confirmed)

	for _, ev := range evs {
		if m, ok := ev.Message(); ok {
			c.overlay.Settle(m)
		}
	}
	c.rehydrateReplies(ctx, epoch)
	c.publish()
	return true
}

// put 调用方持锁
func (c *Controller) put(ev model.EventWrapper) {
	if old, ok := c.events[ev.Index]; ok {
		if m, ok := old.Message(); ok && c.byMessageID[m.MessageID] == ev.Index {
			delete(c.byMessageID, m.MessageID)
		}
	}
	c.events[ev.Index] = ev
	if m, ok := ev.Message(); ok {
		c.byMessageID[m.MessageID] = ev.Index
	}
	model.Visit(ev.Event, participantVisitor{c.participants})
}

// retire 已确认的消息移出未确认存储；已读提升必须在放进列表之前做完
func (c *Controller) retire(confirmed []model.EventWrapper) {
	for _, ev := range confirmed {
		m, _ := ev.Message()
		c.deps.Pending.Promote(c.chat, m.MessageID, ev)
	}
}

// rehydrateReplies 回复引用的事件不在列表里时，从缓存或后端按下标补齐
func (c *Controller) rehydrateReplies(ctx context.Context, epoch uint64) {
	c.mu.Lock()
	want := map[int64]struct{}{}
	for _, ev := range c.events {
		m, ok := ev.Message()
		if !ok || m.RepliesTo == nil || (m.RepliesTo.ChatID != "" && m.RepliesTo.ChatID != c.chat) {
			continue
		}
		idx := m.RepliesTo.EventIndex
		if _, ok := c.events[idx]; ok {
			continue
		}
		if _, ok := c.replies[idx]; ok {
			continue
		}
		want[idx] = struct{}{}
	}
	c.mu.Unlock()
	if len(want) == 0 {
		return
	}
	indexes := make([]int64, 0, len(want))
	for idx := range want {
		indexes = append(indexes, idx)
	}
	r := c.deps.Cache.ByIndexes(ctx, c.chat, indexes)
	found := r.Events
	if len(r.Missing) > 0 {
		evs, err := c.fetchIndexes(ctx, r.Missing)
		if err != nil {
			c.log.Debug("[Controller] reply rehydration failed", zap.Error(err))
		}
		found = append(found, evs...)
	}
	c.mu.Lock()
	if c.epoch == epoch && !c.closed {
		for _, ev := range found {
			c.replies[ev.Index] = ev
		}
	}
	c.mu.Unlock()
}

type participantVisitor struct{ set map[string]struct{} }

func (participantVisitor) VisitMessage(*model.Message)                   {}
func (participantVisitor) VisitReactionAdded(*model.ReactionAdded)       {}
func (participantVisitor) VisitReactionRemoved(*model.ReactionRemoved)   {}
func (participantVisitor) VisitMessageDeleted(*model.MessageDeleted)     {}
func (participantVisitor) VisitMessageUndeleted(*model.MessageUndeleted) {}
func (participantVisitor) VisitMessageEdited(*model.MessageEdited)       {}
func (v participantVisitor) VisitParticipantJoined(e *model.ParticipantJoined) {
	v.set[e.UserID] = struct{}{}
}
func (v participantVisitor) VisitParticipantLeft(e *model.ParticipantLeft) { delete(v.set, e.UserID) }
func (v participantVisitor) VisitChatCreated(e *model.ChatCreated) {
	if e.CreatedBy != "" {
		v.set[e.CreatedBy] = struct{}{}
	}
}
