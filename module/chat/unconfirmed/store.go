// Package unconfirmed 保存乐观发送、尚未被后端确认的消息（本地发出的和对端广播来的）。
package unconfirmed

import (
	"sort"
	"sync"
	"time"

	"PPSync/module/chat/model"
	"PPSync/tools/errs"
	"PPSync/tools/observe"
)

type State int

const (
	Created State = iota
	Sent
	Confirmed
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Sent:
		return "sent"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type Entry struct {
	ChatID    string
	Event     model.EventWrapper // Index 是占位值，MessageIndex 是预留值
	State     State
	FromPeer  bool // 对端发出、经 P2P 先到的
	Err       error
	CreatedAt time.Time
	seq       uint64
}

func (e Entry) Message() *model.Message {
	m, _ := e.Event.Message()
	return m
}

func (e Entry) MessageID() string {
	if m := e.Message(); m != nil {
		return m.MessageID
	}
	return ""
}

// Change 某会话的未确认集合变化
type Change struct {
	ChatID    string
	MessageID string
	State     State
	Removed   bool
}

type reservation struct {
	event   int64
	message int64
}

type Config struct {
	Clock func() time.Time // 可注入时钟（单测用）；nil => time.Now
}

func (c *Config) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type Store struct {
	conf     Config
	mu       sync.Mutex
	chats    map[string]map[string]*Entry // chat -> messageId -> entry
	reserved map[string]reservation
	seq      uint64
	hub      *observe.Hub[Change]
}

func New(conf Config) *Store {
	conf.norm()
	return &Store{
		conf:     conf,
		chats:    make(map[string]map[string]*Entry),
		reserved: make(map[string]reservation),
		hub:      observe.NewHub[Change](),
	}
}

func (s *Store) Subscribe(fn func(Change)) func() { return s.hub.Subscribe(fn) }

// Reserve 分配下一个占位事件下标和消息下标；单调递增，已分配的值不会再给出
func (s *Store) Reserve(chat string, latestEventIndex, latestMessageIndex int64) (eventIndex, messageIndex int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reserved[chat]
	eventIndex, messageIndex = latestEventIndex+1, latestMessageIndex+1
	if ok {
		if r.event >= eventIndex {
			eventIndex = r.event + 1
		}
		if r.message >= messageIndex {
			messageIndex = r.message + 1
		}
	}
	s.reserved[chat] = reservation{event: eventIndex, message: messageIndex}
	return eventIndex, messageIndex
}

func (s *Store) add(chat string, ev model.EventWrapper, state State, fromPeer bool) (bool, error) {
	m, ok := ev.Message()
	if !ok || m.MessageID == "" {
		return false, errs.ErrInvalidArgument.WrapMsg("unconfirmed entry must be a message with an id", "chat", chat)
	}
	s.mu.Lock()
	entries := s.chats[chat]
	if entries == nil {
		entries = make(map[string]*Entry)
		s.chats[chat] = entries
	}
	if _, dup := entries[m.MessageID]; dup {
		s.mu.Unlock()
		return false, nil
	}
	s.seq++
	entries[m.MessageID] = &Entry{
		ChatID:    chat,
		Event:     ev.Clone(),
		State:     state,
		FromPeer:  fromPeer,
		CreatedAt: s.conf.Clock(),
		seq:       s.seq,
	}
	// 对端的预留下标也算占用，本地不会再分配到
	if r := s.reserved[chat]; m.MessageIndex > r.message || ev.Index > r.event {
		if m.MessageIndex > r.message {
			r.message = m.MessageIndex
		}
		if ev.Index > r.event {
			r.event = ev.Index
		}
		s.reserved[chat] = r
	}
	s.mu.Unlock()
	s.hub.Publish(Change{ChatID: chat, MessageID: m.MessageID, State: state})
	return true, nil
}

// Add 本地发送；同 id 已存在时返回 false
func (s *Store) Add(chat string, ev model.EventWrapper) (bool, error) {
	return s.add(chat, ev, Created, false)
}

// AddFromPeer 对端广播的 "sent"；对端已经在调用后端，状态直接是 Sent
func (s *Store) AddFromPeer(chat string, ev model.EventWrapper) (bool, error) {
	return s.add(chat, ev, Sent, true)
}

func (s *Store) Contains(chat, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chats[chat][messageID]
	return ok
}

func (s *Store) Get(chat, messageID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.chats[chat][messageID]
	if !ok {
		return Entry{}, false
	}
	cp := *e
	cp.Event = e.Event.Clone()
	return cp, true
}

// List 按预留消息下标排序，相同时按加入顺序
func (s *Store) List(chat string) []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.chats[chat]))
	for _, e := range s.chats[chat] {
		cp := *e
		cp.Event = e.Event.Clone()
		out = append(out, cp)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		mi, mj := out[i].Message().MessageIndex, out[j].Message().MessageIndex
		if mi != mj {
			return mi < mj
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (s *Store) Len(chat string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chats[chat])
}

func (s *Store) transition(chat, messageID string, to State, err error) bool {
	s.mu.Lock()
	e, ok := s.chats[chat][messageID]
	if ok {
		e.State = to
		e.Err = err
	}
	s.mu.Unlock()
	if ok {
		s.hub.Publish(Change{ChatID: chat, MessageID: messageID, State: to})
	}
	return ok
}

func (s *Store) MarkSent(chat, messageID string) bool {
	return s.transition(chat, messageID, Sent, nil)
}

// MarkFailed 失败的消息保留在列表里，带失败标记
func (s *Store) MarkFailed(chat, messageID string, err error) bool {
	return s.transition(chat, messageID, Failed, err)
}

// MarkCreated 重试：回到 created，messageId 不变
func (s *Store) MarkCreated(chat, messageID string) bool {
	return s.transition(chat, messageID, Created, nil)
}

// Promote 后端确认：移出本存储并返回带最终下标的条目
func (s *Store) Promote(chat, messageID string, confirmed model.EventWrapper) (Entry, bool) {
	s.mu.Lock()
	e, ok := s.chats[chat][messageID]
	if ok {
		delete(s.chats[chat], messageID)
	}
	s.mu.Unlock()
	if !ok {
		return Entry{}, false
	}
	out := *e
	out.Event = confirmed
	out.State = Confirmed
	out.Err = nil
	s.hub.Publish(Change{ChatID: chat, MessageID: messageID, State: Confirmed, Removed: true})
	return out, true
}

// Remove 用户撤回或对端声明移除
func (s *Store) Remove(chat, messageID string) (Entry, bool) {
	s.mu.Lock()
	e, ok := s.chats[chat][messageID]
	if ok {
		delete(s.chats[chat], messageID)
	}
	s.mu.Unlock()
	if !ok {
		return Entry{}, false
	}
	s.hub.Publish(Change{ChatID: chat, MessageID: messageID, State: e.State, Removed: true})
	return *e, true
}

// PruneFromPeer 删除超时仍未被后端确认的对端条目；P2P 只是提示，后端轮询为准
func (s *Store) PruneFromPeer(chat string, maxAge time.Duration) []string {
	now := s.conf.Clock()
	var pruned []string
	s.mu.Lock()
	for id, e := range s.chats[chat] {
		if e.FromPeer && now.Sub(e.CreatedAt) > maxAge {
			delete(s.chats[chat], id)
			pruned = append(pruned, id)
		}
	}
	s.mu.Unlock()
	sort.Strings(pruned)
	for _, id := range pruned {
		s.hub.Publish(Change{ChatID: chat, MessageID: id, Removed: true})
	}
	return pruned
}

// Drop 关闭会话时释放
func (s *Store) Drop(chat string) {
	s.mu.Lock()
	delete(s.chats, chat)
	s.mu.Unlock()
}
