// Package peer 每个对端用户一条 WebRTC 数据通道，协商载荷经 signal.Relay 交换。
// P2P 只是加速通道，丢失或乱序都由后端轮询兜底。
package peer

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPSync/logger"
	"PPSync/service/signal"
	"PPSync/tools/errs"
	"PPSync/tools/ids"
	"PPSync/tools/observe"
	"PPSync/tools/safe"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type State int

const (
	StateNone State = iota
	StateOffering
	StateAnswering
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	}
	return "none"
}

type StateChange struct {
	Peer  string
	State State
}

type Config struct {
	ICEServers         []string      `mapstructure:"ice_servers"`
	GatherTimeout      time.Duration `mapstructure:"gather_timeout"`      // ICE 收集等待上限
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"` // 协商卡住多久后丢弃
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxPeers           int           `mapstructure:"max_peers"`
	DedupCapacity      uint          `mapstructure:"dedup_capacity"`
	Clock              func() time.Time
}

func (c *Config) norm() {
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 3 * time.Second
	}
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = 8
	}
	if c.DedupCapacity == 0 {
		c.DedupCapacity = 10000
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type link struct {
	peer       string
	pc         *webrtc.PeerConnection
	dc         *webrtc.DataChannel
	state      State
	offerID    string
	answerID   string
	startedAt  time.Time
	lastActive time.Time
}

type Manager struct {
	conf  Config
	user  string
	relay signal.Relay
	log   *zap.Logger
	rtc   webrtc.Configuration
	seen  *seenFilter

	envelopes *observe.Hub[Envelope]
	states    *observe.Hub[StateChange]
	kick      chan struct{}

	mu      sync.Mutex
	links   map[string]*link
	handled map[string]time.Time // 已处理的 offer id
	cursor  int64
	closed  bool
}

func New(conf Config, user string, relay signal.Relay, log *zap.Logger) *Manager {
	safe.MustNotNil(relay, "relay")
	conf.norm()
	var servers []webrtc.ICEServer
	for _, s := range conf.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
	}
	return &Manager{
		conf:      conf,
		user:      user,
		relay:     relay,
		log:       logger.Named(log, "peer").With(zap.String("user", user)),
		rtc:       webrtc.Configuration{ICEServers: servers},
		seen:      newSeenFilter(conf.DedupCapacity, 0.001),
		envelopes: observe.NewHub[Envelope](),
		states:    observe.NewHub[StateChange](),
		kick:      make(chan struct{}, 1),
		links:     make(map[string]*link),
		handled:   make(map[string]time.Time),
	}
}

func (m *Manager) User() string { return m.user }

// Subscribe 收到对端消息（已去重、已校验）时回调
func (m *Manager) Subscribe(fn func(Envelope)) (unsubscribe func()) { return m.envelopes.Subscribe(fn) }

func (m *Manager) OnStateChange(fn func(StateChange)) (unsubscribe func()) {
	return m.states.Subscribe(fn)
}

func (m *Manager) State(peer string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[peer]; ok {
		return l.state
	}
	return StateNone
}

// Connected 已连通的对端，按 id 排序
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for p, l := range m.links {
		if l.state == StateConnected {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Kick 让 Run 立即轮询一次交换点（收到推送提醒时调用）
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Connect 向 peer 发起连接。已有连接或协商中时只刷新活跃时间。
func (m *Manager) Connect(ctx context.Context, peer string) error {
	if peer == "" || peer == m.user {
		return errs.ErrInvalidArgument.WrapMsg("bad peer", "peer", peer)
	}
	now := m.conf.Clock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.ErrNetworkFailure.WrapMsg("peer manager closed")
	}
	if l, ok := m.links[peer]; ok {
		l.lastActive = now
		m.mu.Unlock()
		return nil
	}
	victim := m.evictLocked()
	l := &link{peer: peer, state: StateOffering, offerID: ids.NewRequestID(), startedAt: now, lastActive: now}
	m.links[peer] = l
	m.mu.Unlock()
	m.release(victim)
	m.states.Publish(StateChange{Peer: peer, State: StateOffering})

	pc, err := m.newConnection(l)
	if err != nil {
		m.drop(l)
		return err
	}
	dc, err := pc.CreateDataChannel("ppsync", nil)
	if err != nil {
		m.drop(l)
		return errs.ErrNetworkFailure.WrapMsg("create data channel", "err", err)
	}
	m.attach(l, dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		m.drop(l)
		return errs.ErrNetworkFailure.WrapMsg("create offer", "err", err)
	}
	sdp, err := m.localDescription(ctx, pc, offer)
	if err != nil {
		m.drop(l)
		return err
	}
	ack, err := m.relay.PublishOffer(ctx, signal.Offer{ID: l.offerID, From: m.user, To: peer, SDP: sdp, CreatedAt: now.UnixMilli()})
	if err != nil {
		m.drop(l)
		return err
	}
	if ack.CounterOffer != nil {
		// 对方先发了 offer：丢弃自己的连接，改为应答
		m.log.Info("[Peer] offer race lost, answering counter offer",
			zap.String("peer", peer), zap.String("offer", ack.CounterOffer.ID))
		m.drop(l)
		return m.answer(ctx, *ack.CounterOffer)
	}
	m.log.Debug("[Peer] offer published", zap.String("peer", peer), zap.String("offer", l.offerID))
	return nil
}

// answer 应答远端 offer
func (m *Manager) answer(ctx context.Context, o signal.Offer) error {
	if o.To != m.user || o.From == "" || o.From == m.user {
		return nil
	}
	now := m.conf.Clock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if _, done := m.handled[o.ID]; done {
		m.mu.Unlock()
		return nil
	}
	m.handled[o.ID] = now
	var old *link
	if cur, ok := m.links[o.From]; ok {
		switch {
		case cur.state == StateConnected:
			m.mu.Unlock()
			return nil
		case cur.state == StateOffering && m.user < o.From:
			// 交换点没裁决时按 id 裁决：小的一方的 offer 有效
			m.mu.Unlock()
			return nil
		case cur.state == StateAnswering && cur.offerID == o.ID:
			m.mu.Unlock()
			return nil
		}
		delete(m.links, o.From)
		old = cur
	}
	victim := m.evictLocked()
	l := &link{peer: o.From, state: StateAnswering, offerID: o.ID, answerID: ids.NewRequestID(), startedAt: now, lastActive: now}
	m.links[o.From] = l
	m.mu.Unlock()
	m.release(old)
	m.release(victim)
	m.states.Publish(StateChange{Peer: o.From, State: StateAnswering})

	pc, err := m.newConnection(l)
	if err != nil {
		m.drop(l)
		return err
	}
	pc.OnDataChannel(func(dc *webrtc.DataChannel) { m.attach(l, dc) })

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: o.SDP}); err != nil {
		m.drop(l)
		return errs.ErrProtocolMismatch.WrapMsg("bad remote offer", "peer", o.From, "err", err)
	}
	ans, err := pc.CreateAnswer(nil)
	if err != nil {
		m.drop(l)
		return errs.ErrNetworkFailure.WrapMsg("create answer", "err", err)
	}
	sdp, err := m.localDescription(ctx, pc, ans)
	if err != nil {
		m.drop(l)
		return err
	}
	err = m.relay.PublishAnswer(ctx, signal.Answer{ID: l.answerID, OfferID: o.ID, From: m.user, To: o.From, SDP: sdp, CreatedAt: now.UnixMilli()})
	if err != nil {
		m.drop(l)
		return err
	}
	m.log.Debug("[Peer] answer published", zap.String("peer", o.From), zap.String("offer", o.ID))
	return nil
}

func (m *Manager) acceptAnswer(a signal.Answer) {
	m.mu.Lock()
	l, ok := m.links[a.From]
	if !ok || l.state != StateOffering || l.offerID != a.OfferID || l.pc == nil {
		m.mu.Unlock()
		return
	}
	pc := l.pc
	m.mu.Unlock()
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: a.SDP}); err != nil {
		m.log.Warn("[Peer] bad remote answer", zap.String("peer", a.From), zap.Error(err))
		m.drop(l)
	}
}

// newConnection 建 PeerConnection 并挂到 l 上；l 已被移除时返回错误
func (m *Manager) newConnection(l *link) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(m.rtc)
	if err != nil {
		return nil, errs.ErrNetworkFailure.WrapMsg("new peer connection", "err", err)
	}
	m.mu.Lock()
	if m.links[l.peer] != l {
		m.mu.Unlock()
		_ = pc.Close()
		return nil, errs.ErrSignalingRace.WrapMsg("negotiation superseded", "peer", l.peer)
	}
	l.pc = pc
	m.mu.Unlock()

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.log.Debug("[Peer] connection state", zap.String("peer", l.peer), zap.String("state", s.String()))
		switch s {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			m.drop(l)
		}
	})
	return pc, nil
}

// localDescription 设置本地描述并等待 ICE 收集完成或超时，返回带候选的 SDP
func (m *Manager) localDescription(ctx context.Context, pc *webrtc.PeerConnection, sd webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(sd); err != nil {
		return "", errs.ErrNetworkFailure.WrapMsg("set local description", "err", err)
	}
	t := time.NewTimer(m.conf.GatherTimeout)
	defer t.Stop()
	select {
	case <-gathered:
	case <-t.C:
		m.log.Debug("[Peer] ice gathering timed out, using partial candidates")
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return pc.LocalDescription().SDP, nil
}

func (m *Manager) attach(l *link, dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		m.mu.Lock()
		if m.links[l.peer] != l {
			m.mu.Unlock()
			_ = dc.Close()
			return
		}
		l.dc = dc
		l.state = StateConnected
		l.lastActive = m.conf.Clock()
		m.mu.Unlock()
		m.log.Info("[Peer] connected", zap.String("peer", l.peer))
		m.states.Publish(StateChange{Peer: l.peer, State: StateConnected})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		safe.Run("peer.receive", func() { m.receive(l, msg.Data) })
	})
	dc.OnClose(func() { m.drop(l) })
}

func (m *Manager) receive(l *link, data []byte) {
	env, err := Decode(data)
	if err != nil {
		m.log.Debug("[Peer] drop envelope", zap.String("peer", l.peer), zap.Error(err))
		return
	}
	if env.UserID != l.peer {
		m.log.Debug("[Peer] drop envelope from wrong sender", zap.String("peer", l.peer), zap.String("user", env.UserID))
		return
	}
	if m.seen.Seen(env.ID) {
		return
	}
	m.mu.Lock()
	if m.links[l.peer] == l {
		l.lastActive = m.conf.Clock()
	}
	m.mu.Unlock()
	m.envelopes.Publish(env)
}

// Broadcast 发给 peers 中已连通的对端（peers 为空时发给全部），返回送出条数
func (m *Manager) Broadcast(env Envelope, peers ...string) int {
	data, err := Encode(env)
	if err != nil {
		m.log.Warn("[Peer] refuse to send envelope", zap.Error(err))
		return 0
	}
	m.seen.Seen(env.ID)

	now := m.conf.Clock()
	var chans []*webrtc.DataChannel
	m.mu.Lock()
	pick := func(l *link) {
		if l != nil && l.state == StateConnected && l.dc != nil {
			l.lastActive = now
			chans = append(chans, l.dc)
		}
	}
	if len(peers) == 0 {
		for _, l := range m.links {
			pick(l)
		}
	} else {
		for _, p := range peers {
			pick(m.links[p])
		}
	}
	m.mu.Unlock()

	sent := 0
	for _, dc := range chans {
		if err := dc.SendText(string(data)); err != nil {
			m.log.Debug("[Peer] send failed", zap.String("kind", string(env.Kind)), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// evictLocked 连接数到上限时摘掉最久不活跃的一条，调用方解锁后 release
func (m *Manager) evictLocked() *link {
	if len(m.links) < m.conf.MaxPeers {
		return nil
	}
	var victim *link
	for _, l := range m.links {
		if victim == nil || l.lastActive.Before(victim.lastActive) {
			victim = l
		}
	}
	delete(m.links, victim.peer)
	return victim
}

func (m *Manager) release(l *link) {
	if l == nil {
		return
	}
	m.mu.Lock()
	pc := l.pc
	l.state = StateNone
	m.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
	m.states.Publish(StateChange{Peer: l.peer, State: StateNone})
}

// drop 移除 l（若仍是当前连接）并关闭
func (m *Manager) drop(l *link) {
	m.mu.Lock()
	current := m.links[l.peer] == l
	if current {
		delete(m.links, l.peer)
	}
	pc := l.pc
	was := l.state
	l.state = StateNone
	m.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
	if current && was != StateNone {
		m.log.Debug("[Peer] link dropped", zap.String("peer", l.peer), zap.String("was", was.String()))
		m.states.Publish(StateChange{Peer: l.peer, State: StateNone})
	}
}

// Disconnect 关闭与 peer 的连接
func (m *Manager) Disconnect(peer string) {
	m.mu.Lock()
	l := m.links[peer]
	m.mu.Unlock()
	if l != nil {
		m.drop(l)
	}
}

// PollOnce 从交换点拉一次新的 offer/answer 并处理
func (m *Manager) PollOnce(ctx context.Context) error {
	m.mu.Lock()
	since := m.cursor
	m.mu.Unlock()
	d, cursor, err := m.relay.Poll(ctx, m.user, since)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if cursor > m.cursor {
		m.cursor = cursor
	}
	m.mu.Unlock()
	for _, a := range d.Answers {
		m.acceptAnswer(a)
	}
	for _, o := range d.Offers {
		if err := m.answer(ctx, o); err != nil {
			m.log.Warn("[Peer] answer failed", zap.String("peer", o.From), zap.Error(err))
		}
	}
	return nil
}

// Refresh 清理超时未完成的协商，以及过期的 offer 记录
func (m *Manager) Refresh() {
	now := m.conf.Clock()
	var stale []*link
	m.mu.Lock()
	for _, l := range m.links {
		if l.state != StateConnected && now.Sub(l.startedAt) > m.conf.NegotiationTimeout {
			stale = append(stale, l)
		}
	}
	for id, at := range m.handled {
		if now.Sub(at) > 10*m.conf.NegotiationTimeout {
			delete(m.handled, id)
		}
	}
	m.mu.Unlock()
	for _, l := range stale {
		m.log.Info("[Peer] negotiation timed out", zap.String("peer", l.peer), zap.String("state", l.state.String()))
		m.drop(l)
	}
}

// Run 定时轮询交换点并清理超时协商，ctx 取消时关闭全部连接
func (m *Manager) Run(ctx context.Context) error {
	t := time.NewTicker(m.conf.PollInterval)
	defer t.Stop()
	defer m.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-m.kick:
		}
		if err := m.PollOnce(ctx); err != nil && ctx.Err() == nil {
			m.log.Debug("[Peer] poll relay failed", zap.Error(err))
		}
		m.Refresh()
	}
}

// Close 关闭全部连接，之后不再接受新协商
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		all = append(all, l)
	}
	m.mu.Unlock()
	for _, l := range all {
		m.drop(l)
	}
}
