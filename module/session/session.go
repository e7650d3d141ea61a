// Package session 一个登录身份持有的全部同步组件：缓存、已读、未确认存储、P2P 和各会话 controller。
// 登出时 Close 统一释放。
package session

import (
	"context"
	"io"
	"sync"
	"time"

	"PPSync/logger"
	"PPSync/module/chat/cache"
	"PPSync/module/chat/controller"
	"PPSync/module/chat/readstate"
	"PPSync/module/chat/unconfirmed"
	"PPSync/service/backend"
	"PPSync/service/backend/httpapi"
	"PPSync/service/backend/wire"
	"PPSync/service/peer"
	"PPSync/service/signal"
	"PPSync/service/storage"
	"PPSync/tools/errs"
	"PPSync/tools/ids"
	"PPSync/tools/safe"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Watcher 后端变化推送；断开后由 session 重连
type Watcher interface {
	Watch(ctx context.Context, fn func(wire.Nudge)) error
}

// deliverer 进程内交换点能直接通知新载荷
type deliverer interface {
	OnDeliver(fn func(user string)) (unsubscribe func())
}

// Parts 外部依赖；Open 按配置创建，测试可以直接注入
type Parts struct {
	Backend backend.Backend
	Store   storage.Store
	Relay   signal.Relay // DisableP2P 时可为空
	Watcher Watcher      // 为空时只靠轮询
}

type Session struct {
	conf    Config
	parts   Parts
	log     *zap.Logger
	cache   *cache.Cache
	reads   *readstate.Tracker
	pending *unconfirmed.Store
	peers   *peer.Manager // DisableP2P 时为空

	mu      sync.Mutex
	chats   map[string]*controller.Controller
	runCtx  context.Context
	group   *errgroup.Group
	stop    context.CancelFunc
	unsubs  []func()
	closed  bool
	closeOnce sync.Once
}

// Open 按配置连接存储、后端和交换点
func Open(ctx context.Context, conf Config, log *zap.Logger) (*Session, error) {
	conf.norm()
	if conf.User == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("session user is required")
	}
	ids.SetNodeID(ids.NodeIDFor(conf.User))
	store, err := openStore(ctx, conf.Storage, conf.User)
	if err != nil {
		return nil, err
	}
	client := httpapi.New(conf.Backend, conf.User, log)
	parts := Parts{Backend: client, Store: store, Watcher: client}
	if !conf.DisableP2P {
		relay, err := dialRelay(conf, client.BaseURL(), log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		parts.Relay = relay
	}
	s, err := New(ctx, conf, parts, log)
	if err != nil {
		closeQuietly(parts.Relay)
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

// New 用现成的依赖组装；store 的生命周期交给 session
func New(ctx context.Context, conf Config, parts Parts, log *zap.Logger) (*Session, error) {
	conf.norm()
	safe.MustNotNil(parts.Backend, "backend")
	safe.MustNotNil(parts.Store, "store")
	log = logger.Named(log, "session").With(zap.String("user", conf.User))
	ch, err := cache.Open(ctx, parts.Store, cache.Options{
		PageSize:   conf.Cache.PageSize,
		ScanFactor: conf.Cache.ScanFactor,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}
	pending := unconfirmed.New(unconfirmed.Config{Clock: conf.Chat.Clock})
	s := &Session{
		conf:    conf,
		parts:   parts,
		log:     log,
		cache:   ch,
		reads:   readstate.New(parts.Backend, pending, log),
		pending: pending,
		chats:   make(map[string]*controller.Controller),
	}
	if !conf.DisableP2P && parts.Relay != nil {
		s.peers = peer.New(conf.Peer, conf.User, parts.Relay, log)
		s.unsubs = append(s.unsubs, s.peers.Subscribe(s.route))
		if d, ok := parts.Relay.(deliverer); ok {
			s.unsubs = append(s.unsubs, d.OnDeliver(func(to string) {
				if to == conf.User {
					s.peers.Kick()
				}
			}))
		}
	}
	return s, nil
}

func (s *Session) User() string { return s.conf.User }

func (s *Session) Cache() *cache.Cache { return s.cache }

func (s *Session) Reads() *readstate.Tracker { return s.reads }

func (s *Session) Pending() *unconfirmed.Store { return s.pending }

// Peers P2P 管理器，关闭 P2P 时为 nil
func (s *Session) Peers() *peer.Manager { return s.peers }

// Chat 打开（或取回已打开的）会话 controller，并向其他成员发起 P2P 连接
func (s *Session) Chat(ctx context.Context, chatID string) (*controller.Controller, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errs.ErrInvalidArgument.WrapMsg("session closed")
	}
	if c, ok := s.chats[chatID]; ok {
		s.mu.Unlock()
		return c, nil
	}
	deps := controller.Deps{
		User:    s.conf.User,
		Backend: s.parts.Backend,
		Cache:   s.cache,
		Reads:   s.reads,
		Pending: s.pending,
		Log:     s.log,
	}
	if s.peers != nil {
		deps.Peers = s.peers
	}
	c := controller.New(s.conf.Chat, chatID, deps)
	s.chats[chatID] = c
	s.mu.Unlock()

	if err := c.Open(ctx); err != nil {
		s.mu.Lock()
		delete(s.chats, chatID)
		s.mu.Unlock()
		c.Close()
		return nil, err
	}
	s.start(c)
	s.connect(c.Participants())
	return c, nil
}

// CloseChat 关闭会话视图；未确认消息保留，重新打开后仍可见
func (s *Session) CloseChat(chatID string) {
	s.mu.Lock()
	c, ok := s.chats[chatID]
	delete(s.chats, chatID)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (s *Session) controller(chatID string) *controller.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats[chatID]
}

func (s *Session) controllers() []*controller.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*controller.Controller, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	return out
}

// route 对端信封按 ChatID 交给对应 controller，未打开的会话直接丢弃
func (s *Session) route(env peer.Envelope) {
	c := s.controller(env.ChatID)
	if c == nil {
		return
	}
	c.HandleEnvelope(s.context(), env)
}

func (s *Session) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

// connect 异步向尚未连通的成员发 offer
func (s *Session) connect(users []string) {
	if s.peers == nil {
		return
	}
	ctx := s.context()
	for _, u := range users {
		if u == s.conf.User || s.peers.State(u) != peer.StateNone {
			continue
		}
		u := u
		safe.Go("session", func() {
			if err := s.peers.Connect(ctx, u); err != nil {
				s.log.Debug("[Session] connect failed", zap.String("peer", u), zap.Error(err))
			}
		})
	}
}

// start Run 之后打开的 controller 也要挂到循环组里
func (s *Session) start(c *controller.Controller) {
	s.mu.Lock()
	g, ctx := s.group, s.runCtx
	s.mu.Unlock()
	if g == nil {
		return
	}
	g.Go(func() error { return c.Run(ctx) })
}

// Run 已读上报、P2P 协商、各会话轮询和后端推送，直到 ctx 取消或 Close
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.group, s.runCtx, s.stop = g, gctx, cancel
	s.mu.Unlock()

	g.Go(func() error { return s.reads.Run(gctx, s.conf.ReadFlush) })
	if s.peers != nil {
		g.Go(func() error { return s.peers.Run(gctx) })
	}
	if s.parts.Watcher != nil {
		g.Go(func() error { return s.watch(gctx) })
	}
	for _, c := range s.controllers() {
		c := c
		g.Go(func() error { return c.Run(gctx) })
	}
	s.log.Info("[Session] running", zap.Int("chats", len(s.controllers())), zap.Bool("p2p", s.peers != nil))
	err := g.Wait()
	s.mu.Lock()
	s.group, s.runCtx, s.stop = nil, nil, nil
	s.mu.Unlock()
	return err
}

// watch 推送断开后按 WatchRetry 重连；推送只是加速，轮询兜底
func (s *Session) watch(ctx context.Context) error {
	for {
		err := s.parts.Watcher.Watch(ctx, s.nudge)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.log.Debug("[Session] watch dropped", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.conf.WatchRetry):
		}
	}
}

func (s *Session) nudge(n wire.Nudge) {
	switch n.Type {
	case wire.NudgeChat:
		c := s.controller(n.ChatID)
		if c == nil {
			return
		}
		ctx := s.context()
		safe.Go("session", func() {
			if err := c.Poll(ctx); err != nil {
				s.log.Debug("[Session] nudge poll failed", zap.String("chat", n.ChatID), zap.Error(err))
			}
			s.connect(c.Participants())
		})
	case wire.NudgeSignal:
		if s.peers != nil {
			s.peers.Kick()
		}
	}
}

// Close 登出：停止所有 controller 和 P2P，尽量上报已读后释放存储
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		chats := s.chats
		s.chats = make(map[string]*controller.Controller)
		stop := s.stop
		s.mu.Unlock()
		if stop != nil {
			stop()
		}

		for _, c := range chats {
			c.Close()
		}
		for _, u := range s.unsubs {
			u()
		}
		if s.peers != nil {
			s.peers.Close()
		}
		closeQuietly(s.parts.Relay)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := s.reads.Flush(ctx); err != nil {
			s.log.Debug("[Session] final read flush failed", zap.Error(err))
		}
		cancel()
		if err := s.parts.Store.Close(); err != nil {
			s.log.Warn("[Session] store close failed", zap.Error(err))
		}
		s.log.Info("[Session] closed", zap.Int("chats", len(chats)))
	})
}

func closeQuietly(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}
