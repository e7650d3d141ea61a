// Package readstate 跟踪每个会话的已读区间：服务端确认的、本地已读未上报的，
// 以及读了但消息还没确认（只有 messageId 没有最终下标）的。
package readstate

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPSync/logger"
	"PPSync/module/chat/model"
	"PPSync/module/chat/rangeset"
	"PPSync/tools/observe"

	"go.uber.org/zap"
)

// NoMessages 空会话的 latest 下标
const NoMessages int64 = -1

// Sink 已读上报目标（后端 MarkRead）
type Sink interface {
	MarkRead(ctx context.Context, batches []model.ReadBatch) error
}

// Pending 判断 messageId 是否仍未确认
type Pending interface {
	Contains(chat, messageID string) bool
}

type chatState struct {
	server  []rangeset.Range
	local   []rangeset.Range
	waiting map[string]struct{}
	dirty   bool // local 有未上报的变化
}

// Change 某会话的已读状态变化
type Change struct {
	ChatID string
}

type Tracker struct {
	mu      sync.Mutex
	chats   map[string]*chatState
	sink    Sink
	pending Pending
	hub     *observe.Hub[Change]
	log     *zap.Logger
}

func New(sink Sink, pending Pending, log *zap.Logger) *Tracker {
	return &Tracker{
		chats:   make(map[string]*chatState),
		sink:    sink,
		pending: pending,
		hub:     observe.NewHub[Change](),
		log:     logger.Named(log, "readstate"),
	}
}

func (t *Tracker) state(chat string) *chatState {
	s := t.chats[chat]
	if s == nil {
		s = &chatState{waiting: make(map[string]struct{})}
		t.chats[chat] = s
	}
	return s
}

func (t *Tracker) Subscribe(fn func(Change)) func() { return t.hub.Subscribe(fn) }

func (t *Tracker) notify(chat string) { t.hub.Publish(Change{ChatID: chat}) }

// MarkMessageRead 未确认的消息进 waiting，否则并入 local
func (t *Tracker) MarkMessageRead(chat string, messageIndex int64, messageID string) {
	t.mu.Lock()
	changed := t.markLocked(chat, messageIndex, messageID)
	t.mu.Unlock()
	if changed {
		t.notify(chat)
	}
}

func (t *Tracker) markLocked(chat string, messageIndex int64, messageID string) bool {
	s := t.state(chat)
	if messageID != "" && t.pending != nil && t.pending.Contains(chat, messageID) {
		if _, ok := s.waiting[messageID]; ok {
			return false
		}
		s.waiting[messageID] = struct{}{}
		return true
	}
	if rangeset.Contains(s.local, messageIndex) || rangeset.Contains(s.server, messageIndex) {
		return false
	}
	s.local = rangeset.Insert(s.local, messageIndex)
	s.dirty = true
	return true
}

// MarkRangeRead “全部已读”
func (t *Tracker) MarkRangeRead(chat string, r rangeset.Range) {
	if r.To < r.From {
		return
	}
	t.mu.Lock()
	s := t.state(chat)
	merged := rangeset.Merge(s.local, []rangeset.Range{r})
	changed := !rangeset.Equal(merged, s.local)
	if changed {
		s.local = merged
		s.dirty = true
	}
	t.mu.Unlock()
	if changed {
		t.notify(chat)
	}
}

// ConfirmMessage 消息确认后把 waiting 里的 id 提升为真正的下标；返回是否发生提升。
// 必须在确认事件放进列表之前调用。
func (t *Tracker) ConfirmMessage(chat string, messageIndex int64, messageID string) bool {
	t.mu.Lock()
	s := t.state(chat)
	if _, ok := s.waiting[messageID]; !ok {
		t.mu.Unlock()
		return false
	}
	delete(s.waiting, messageID)
	if !rangeset.Contains(s.local, messageIndex) && !rangeset.Contains(s.server, messageIndex) {
		s.local = rangeset.Insert(s.local, messageIndex)
		s.dirty = true
	}
	t.mu.Unlock()
	t.notify(chat)
	return true
}

// Forget 未确认消息被移除时丢掉它的 waiting 记录
func (t *Tracker) Forget(chat, messageID string) {
	t.mu.Lock()
	s := t.chats[chat]
	removed := false
	if s != nil {
		if _, ok := s.waiting[messageID]; ok {
			delete(s.waiting, messageID)
			removed = true
		}
	}
	t.mu.Unlock()
	if removed {
		t.notify(chat)
	}
}

// SyncWithServer 替换服务端状态；服务端已覆盖全部本地已读时清空 local
func (t *Tracker) SyncWithServer(chat string, server []rangeset.Range) {
	t.mu.Lock()
	s := t.state(chat)
	s.server = rangeset.Merge(server, nil)
	if len(s.local) > 0 && rangeset.Equal(rangeset.Merge(s.server, s.local), s.server) {
		s.local = nil
		s.dirty = false
	}
	t.mu.Unlock()
	t.notify(chat)
}

// IsRead waiting 中的 id 视为已读
func (t *Tracker) IsRead(chat string, messageIndex int64, messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.chats[chat]
	if s == nil {
		return false
	}
	if _, ok := s.waiting[messageID]; ok {
		return true
	}
	return rangeset.Contains(s.server, messageIndex) || rangeset.Contains(s.local, messageIndex)
}

// IsWaiting 是否读了但还没确认
func (t *Tracker) IsWaiting(chat, messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.chats[chat]
	if s == nil {
		return false
	}
	_, ok := s.waiting[messageID]
	return ok
}

// UnreadMessageCount = 区间长度 - 已读覆盖 - waiting 数，不小于 0
func (t *Tracker) UnreadMessageCount(chat string, firstVisible, latest int64) int {
	if latest == NoMessages || latest < firstVisible {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	total := latest - firstVisible + 1
	s := t.chats[chat]
	if s == nil {
		return int(total)
	}
	read := rangeset.Covered(rangeset.Merge(s.server, s.local), firstVisible, latest)
	n := total - read - int64(len(s.waiting))
	if n < 0 {
		return 0
	}
	return int(n)
}

// Ranges 合并后的已读区间（调试/展示）
func (t *Tracker) Ranges(chat string) []rangeset.Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.chats[chat]
	if s == nil {
		return nil
	}
	return rangeset.Merge(s.server, s.local)
}

// Drop 关闭会话时释放状态
func (t *Tracker) Drop(chat string) {
	t.mu.Lock()
	delete(t.chats, chat)
	t.mu.Unlock()
}

func (t *Tracker) dirtyBatches() []model.ReadBatch {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.ReadBatch
	for chat, s := range t.chats {
		if !s.dirty || len(s.local) == 0 {
			continue
		}
		out = append(out, model.ReadBatch{ChatID: chat, Ranges: append([]rangeset.Range(nil), s.local...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// Flush 把全部脏的 local 合成一次上报；失败保持脏，下个周期自然重试
func (t *Tracker) Flush(ctx context.Context) error {
	if t.sink == nil {
		return nil
	}
	batches := t.dirtyBatches()
	if len(batches) == 0 {
		return nil
	}
	if err := t.sink.MarkRead(ctx, batches); err != nil {
		t.log.Debug("[ReadState] flush failed, will retry", zap.Int("chats", len(batches)), zap.Error(err))
		return err
	}
	t.mu.Lock()
	for _, b := range batches {
		s := t.chats[b.ChatID]
		// 上报期间又有新的已读，保持脏
		if s != nil && rangeset.Equal(s.local, b.Ranges) {
			s.dirty = false
		}
	}
	t.mu.Unlock()
	return nil
}

// Run 周期上报，直到 ctx 取消
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = t.Flush(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			_ = t.Flush(ctx)
		}
	}
}
