// Package controller 单个会话的同步中枢：把缓存/后端的已确认事件、未确认消息、
// 本地乐观更新和对端 P2P 消息合并成一个有序列表，并驱动轮询、发送和已读。
package controller

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPSync/logger"
	"PPSync/module/chat/cache"
	"PPSync/module/chat/model"
	"PPSync/module/chat/overlay"
	"PPSync/module/chat/readstate"
	"PPSync/module/chat/unconfirmed"
	"PPSync/service/backend"
	"PPSync/service/peer"
	"PPSync/tools/errs"
	"PPSync/tools/observe"
	"PPSync/tools/safe"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Broadcaster P2P 出口，peers 为空时发给全部已连通对端
type Broadcaster interface {
	Broadcast(env peer.Envelope, peers ...string) int
}

type Config struct {
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	MissThreshold int           `mapstructure:"miss_threshold"` // 缺口超过该数时整窗从后端拉
	PeerEntryTTL  time.Duration `mapstructure:"peer_entry_ttl"` // 对端未确认消息最长保留
	TypingTTL     time.Duration `mapstructure:"typing_ttl"`
	TypingEvery   time.Duration `mapstructure:"typing_every"` // 输入中广播的最小间隔
	OverlayTTL    time.Duration `mapstructure:"overlay_ttl"`
	CatchUpPages  int           `mapstructure:"catch_up_pages"` // 一次轮询最多追几页新事件
	Clock         func() time.Time
}

func (c *Config) norm() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MissThreshold <= 0 {
		c.MissThreshold = 8
	}
	if c.PeerEntryTTL <= 0 {
		c.PeerEntryTTL = 2 * time.Minute
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 5 * time.Second
	}
	if c.TypingEvery <= 0 {
		c.TypingEvery = time.Second
	}
	if c.OverlayTTL <= 0 {
		c.OverlayTTL = time.Minute
	}
	if c.CatchUpPages <= 0 {
		c.CatchUpPages = 4
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Deps 会话级共享组件，由 session 持有
type Deps struct {
	User    string
	Backend backend.Backend
	Cache   *cache.Cache
	Reads   *readstate.Tracker
	Pending *unconfirmed.Store
	Peers   Broadcaster // 可为空
	Log     *zap.Logger
}

// Item 列表中的一项；已确认事件的 State 为 Confirmed
type Item struct {
	Event    model.EventWrapper
	State    unconfirmed.State
	FromPeer bool
	Err      error
	ReplyTo  *model.EventWrapper // 同会话回复引用，已回填时非空
}

func (it Item) Message() *model.Message {
	m, _ := it.Event.Message()
	return m
}

type Snapshot struct {
	ChatID       string
	Items        []Item
	Unread       int
	Typing       []string
	Participants []string
	Epoch        uint64
}

type Controller struct {
	conf    Config
	chat    string
	deps    Deps
	log     *zap.Logger
	overlay *overlay.Overlay
	flight  singleflight.Group
	typing  *rate.Limiter
	hub     *observe.Hub[Snapshot]
	unsubs  []func()

	mu           sync.Mutex
	epoch        uint64
	closed       bool
	summary      backend.ChatSummary
	haveSummary  bool
	events       map[int64]model.EventWrapper
	byMessageID  map[string]int64
	loFrom, loTo int64 // 连续已加载区间，loFrom > loTo 表示空
	replies      map[int64]model.EventWrapper
	typers       map[string]time.Time // 用户 -> 过期时间
	peerReads    map[string]int64     // 用户 -> 已读到的消息下标
	participants map[string]struct{}
}

func New(conf Config, chatID string, deps Deps) *Controller {
	conf.norm()
	safe.MustNotNil(deps.Backend, "backend")
	safe.MustNotNil(deps.Cache, "cache")
	safe.MustNotNil(deps.Reads, "read tracker")
	safe.MustNotNil(deps.Pending, "unconfirmed store")
	c := &Controller{
		conf:         conf,
		chat:         chatID,
		deps:         deps,
		log:          logger.Named(deps.Log, "controller").With(zap.String("chat", chatID)),
		overlay:      overlay.New(overlay.Config{TTL: conf.OverlayTTL, Clock: conf.Clock}),
		typing:       rate.NewLimiter(rate.Every(conf.TypingEvery), 1),
		hub:          observe.NewHub[Snapshot](),
		events:       make(map[int64]model.EventWrapper),
		byMessageID:  make(map[string]int64),
		loFrom:       0,
		loTo:         -1,
		replies:      make(map[int64]model.EventWrapper),
		typers:       make(map[string]time.Time),
		peerReads:    make(map[string]int64),
		participants: make(map[string]struct{}),
	}
	c.unsubs = append(c.unsubs,
		deps.Pending.Subscribe(func(ch unconfirmed.Change) {
			if ch.ChatID == chatID {
				c.publish()
			}
		}),
		deps.Reads.Subscribe(func(ch readstate.Change) {
			if ch.ChatID == chatID {
				c.publish()
			}
		}),
	)
	return c
}

func (c *Controller) ChatID() string { return c.chat }

// Subscribe 每次列表、未读或输入状态变化时收到快照
func (c *Controller) Subscribe(fn func(Snapshot)) (unsubscribe func()) { return c.hub.Subscribe(fn) }

func (c *Controller) publish() {
	if c.hub.Len() == 0 {
		return
	}
	c.hub.Publish(c.Snapshot())
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Controller) bounds() model.IndexRange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary.Bounds
}

// Open 拉会话概要并加载最新一页
func (c *Controller) Open(ctx context.Context) error {
	if err := c.refreshSummary(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	latest := c.summary.LatestMessageIndex
	last := c.summary.Bounds.Max
	c.mu.Unlock()
	if latest >= 0 {
		return c.JumpTo(ctx, latest)
	}
	if last < 0 {
		return nil
	}
	evs, err := c.fetchRange(ctx, last, false)
	if err != nil {
		return err
	}
	c.apply(ctx, c.currentEpoch(), evs, true)
	return nil
}

func (c *Controller) refreshSummary(ctx context.Context) error {
	c.mu.Lock()
	since := c.summary.Version
	epoch := c.epoch
	c.mu.Unlock()
	s, err := c.deps.Backend.ChatSummary(ctx, c.chat, since)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.epoch != epoch || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.summary = s
	c.haveSummary = true
	c.mu.Unlock()
	c.deps.Reads.SyncWithServer(c.chat, s.ReadRanges)
	return nil
}

// Run 轮询直到 ctx 取消或 Close
func (c *Controller) Run(ctx context.Context) error {
	t := time.NewTicker(c.conf.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if c.isClosed() {
			return nil
		}
		if err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.log.Debug("[Controller] poll failed", zap.Error(err))
		}
	}
}

// Close 停止合并：之后完成的请求结果都被丢弃
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.epoch++
	c.mu.Unlock()
	for _, u := range c.unsubs {
		u()
	}
	c.log.Debug("[Controller] closed")
}

// Events 当前列表：已确认事件按 index 升序，未确认消息按预留 messageIndex 排在后面
func (c *Controller) Events() []Item {
	c.mu.Lock()
	confirmed := make([]model.EventWrapper, 0, len(c.events))
	for _, ev := range c.events {
		confirmed = append(confirmed, ev)
	}
	seen := make(map[string]struct{}, len(c.byMessageID))
	for id := range c.byMessageID {
		seen[id] = struct{}{}
	}
	replies := make(map[int64]model.EventWrapper, len(c.replies))
	for k, v := range c.replies {
		replies[k] = v
	}
	for k, v := range c.events {
		replies[k] = v
	}
	c.mu.Unlock()
	model.SortByIndex(confirmed)

	items := make([]Item, 0, len(confirmed))
	for _, ev := range confirmed {
		items = append(items, Item{Event: c.withOverlay(ev), State: unconfirmed.Confirmed})
	}
	for _, e := range c.deps.Pending.List(c.chat) {
		if _, dup := seen[e.MessageID()]; dup {
			continue
		}
		items = append(items, Item{Event: c.withOverlay(e.Event), State: e.State, FromPeer: e.FromPeer, Err: e.Err})
	}
	for i := range items {
		m := items[i].Message()
		if m == nil || m.RepliesTo == nil || (m.RepliesTo.ChatID != "" && m.RepliesTo.ChatID != c.chat) {
			continue
		}
		if r, ok := replies[m.RepliesTo.EventIndex]; ok {
			r := r
			items[i].ReplyTo = &r
		}
	}
	return items
}

func (c *Controller) withOverlay(ev model.EventWrapper) model.EventWrapper {
	m, ok := ev.Message()
	if !ok {
		return ev
	}
	if applied := c.overlay.Apply(m); applied != m {
		ev.Event = applied
	}
	return ev
}

// Unread 未读消息数
func (c *Controller) Unread() int {
	c.mu.Lock()
	latest := readstate.NoMessages
	if c.haveSummary {
		latest = c.summary.LatestMessageIndex
	}
	c.mu.Unlock()
	return c.deps.Reads.UnreadMessageCount(c.chat, 0, latest)
}

// Typing 正在输入的用户
func (c *Controller) Typing() []string {
	now := c.conf.Clock()
	c.mu.Lock()
	var out []string
	for u, exp := range c.typers {
		if exp.After(now) {
			out = append(out, u)
		}
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// ReadBy 对端回执里已读到 messageIndex 的用户
func (c *Controller) ReadBy(messageIndex int64) []string {
	c.mu.Lock()
	var out []string
	for u, idx := range c.peerReads {
		if idx >= messageIndex {
			out = append(out, u)
		}
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Participants 从已加载事件推出的成员
func (c *Controller) Participants() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.participants))
	for u := range c.participants {
		out = append(out, u)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

func (c *Controller) Snapshot() Snapshot {
	return Snapshot{
		ChatID:       c.chat,
		Items:        c.Events(),
		Unread:       c.Unread(),
		Typing:       c.Typing(),
		Participants: c.Participants(),
		Epoch:        c.currentEpoch(),
	}
}

// lookupMessage 已确认列表里的消息
func (c *Controller) lookupMessage(messageID string) (*model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.byMessageID[messageID]
	if !ok {
		return nil, false
	}
	m, ok := c.events[idx].Message()
	return m, ok
}

// latestIndexes 预留临时下标用：已加载与概要里较大的那个
func (c *Controller) latestIndexes() (event, message int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	event, message = c.summary.LatestEventIndex, c.summary.LatestMessageIndex
	if !c.haveSummary {
		event, message = -1, -1
	}
	for idx, ev := range c.events {
		if idx > event {
			event = idx
		}
		if m, ok := ev.Message(); ok && m.MessageIndex > message {
			message = m.MessageIndex
		}
	}
	return event, message
}

func (c *Controller) requireOpen() error {
	if c.isClosed() {
		return errs.ErrInvalidArgument.WrapMsg("controller closed", "chat", c.chat)
	}
	return nil
}
