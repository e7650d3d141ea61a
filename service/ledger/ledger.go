// Package ledger 参考实现的权威后端账本：事件下标、消息下标由它分配，
// 同一 messageId 重复发送按幂等处理。cmd/ledgerd 把它通过 HTTP 暴露出去，
// 测试里直接在进程内使用。
package ledger

import (
	"sync"
	"time"

	"PPSync/logger"
	"PPSync/module/chat/model"
	"PPSync/module/chat/rangeset"
	"PPSync/service/signal/memrelay"
	"PPSync/tools/errs"
	"PPSync/tools/observe"

	"go.uber.org/zap"
)

type Config struct {
	Clock  func() time.Time
	Relay  memrelay.Config
	Logger *zap.Logger
}

func (c *Config) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	c.Logger = logger.Named(c.Logger, "ledger")
}

// Update 会话有新事件或历史事件被修改
type Update struct {
	ChatID  string
	Version int64
}

type chat struct {
	id             string
	events         []model.EventWrapper // 下标即位置
	byMessageID    map[string]int64     // messageId -> event index
	byMessageIndex []int64              // messageIndex -> event index
	members        map[string]struct{}
	reads          map[string][]rangeset.Range
	updated        map[int64]int64 // event index -> 最后修改时的 version
	version        int64
}

type Ledger struct {
	conf  Config
	mu    sync.Mutex
	chats map[string]*chat
	board *memrelay.Board
	hub   *observe.Hub[Update]
	log   *zap.Logger
}

func New(conf Config) *Ledger {
	conf.norm()
	if conf.Relay.Clock == nil {
		conf.Relay.Clock = conf.Clock
	}
	return &Ledger{
		conf:  conf,
		chats: make(map[string]*chat),
		board: memrelay.New(conf.Relay),
		hub:   observe.NewHub[Update](),
		log:   conf.Logger,
	}
}

// Rendezvous P2P 协商交换点
func (l *Ledger) Rendezvous() *memrelay.Board { return l.board }

func (l *Ledger) Subscribe(fn func(Update)) func() { return l.hub.Subscribe(fn) }

// Client 以 user 身份访问账本
func (l *Ledger) Client(user string) *Client { return &Client{l: l, user: user} }

func (l *Ledger) now() int64 { return l.conf.Clock().UnixMilli() }

func (c *chat) append(ev model.Event, ts int64) model.EventWrapper {
	w := model.EventWrapper{Event: ev, Index: int64(len(c.events)), Timestamp: ts}
	c.events = append(c.events, w)
	c.version++
	return w
}

func (c *chat) touch(index int64) {
	c.version++
	c.updated[index] = c.version
}

func (c *chat) latestMessageIndex() int64 { return int64(len(c.byMessageIndex)) - 1 }

// CreateChat 建会话，写 chat_created 和每个成员的 participant_joined
func (l *Ledger) CreateChat(chatID, name, createdBy string, members ...string) error {
	l.mu.Lock()
	if _, ok := l.chats[chatID]; ok {
		l.mu.Unlock()
		return errs.ErrInvalidArgument.WrapMsg("chat exists", "chat", chatID)
	}
	c := &chat{
		id:          chatID,
		byMessageID: make(map[string]int64),
		members:     make(map[string]struct{}),
		reads:       make(map[string][]rangeset.Range),
		updated:     make(map[int64]int64),
	}
	ts := l.now()
	c.append(&model.ChatCreated{Name: name, CreatedBy: createdBy}, ts)
	for _, u := range append([]string{createdBy}, members...) {
		if _, ok := c.members[u]; ok {
			continue
		}
		c.members[u] = struct{}{}
		c.append(&model.ParticipantJoined{UserID: u}, ts)
	}
	l.chats[chatID] = c
	v, n := c.version, len(c.members)
	l.mu.Unlock()

	l.log.Info("[Ledger] chat created", zap.String("chat", chatID), zap.Int("members", n))
	l.hub.Publish(Update{ChatID: chatID, Version: v})
	return nil
}

// Join 加入会话
func (l *Ledger) Join(chatID, user string) error {
	l.mu.Lock()
	c, err := l.memberChat(chatID, "")
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if _, ok := c.members[user]; ok {
		l.mu.Unlock()
		return nil
	}
	c.members[user] = struct{}{}
	c.append(&model.ParticipantJoined{UserID: user}, l.now())
	v := c.version
	l.mu.Unlock()
	l.hub.Publish(Update{ChatID: chatID, Version: v})
	return nil
}

// Members 会话成员（建 P2P 连接用）
func (l *Ledger) Members(chatID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.chats[chatID]
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.members))
	for u := range c.members {
		out = append(out, u)
	}
	return sortedStrings(out)
}

// memberChat user 为空时只校验会话存在；调用方持锁
func (l *Ledger) memberChat(chatID, user string) (*chat, error) {
	c := l.chats[chatID]
	if c == nil {
		return nil, errs.ErrNotFound.WrapMsg("chat not found", "chat", chatID)
	}
	if user != "" {
		if _, ok := c.members[user]; !ok {
			return nil, errs.ErrInvalidArgument.WrapMsg("not a member", "chat", chatID, "user", user)
		}
	}
	return c, nil
}
