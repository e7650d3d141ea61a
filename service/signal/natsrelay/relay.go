// Package natsrelay 用 NATS 交换 P2P 协商载荷：每个用户订阅自己的 offer/answer 主题，
// offer 走 request/reply，接收方据本地未应答 offer 决定是否回 CounterOffer。
package natsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"PPSync/logger"
	"PPSync/service/signal"
	"PPSync/tools/errs"
	"PPSync/tools/observe"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Config struct {
	Servers       []string      `mapstructure:"servers"`
	Name          string        `mapstructure:"name"`
	User          string        `mapstructure:"user"`
	Password      string        `mapstructure:"password"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	OfferTTL      time.Duration `mapstructure:"offer_ttl"`
	MaxQueue      int           `mapstructure:"max_queue"`
	Clock         func() time.Time
}

func (c *Config) norm() {
	if c.ReconnectWait == 0 {
		c.ReconnectWait = 500 * time.Millisecond
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "ppsync.signal"
	}
	if c.OfferTTL <= 0 {
		c.OfferTTL = 30 * time.Second
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 256
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type queued struct {
	seq    int64
	offer  *signal.Offer
	answer *signal.Answer
}

type Relay struct {
	conf Config
	user string
	log  *zap.Logger

	nc   *nats.Conn
	subs []*nats.Subscription

	mu      sync.Mutex
	seq     int64
	inbox   []queued
	pending map[string]signal.Offer // 对端 -> 我们发出、未应答的 offer
	hub     *observe.Hub[string]
}

var _ signal.Relay = (*Relay)(nil)

func newRelay(conf Config, user string, log *zap.Logger) *Relay {
	conf.norm()
	return &Relay{
		conf:    conf,
		user:    user,
		log:     logger.Named(log, "natsrelay").With(zap.String("user", user)),
		pending: make(map[string]signal.Offer),
		hub:     observe.NewHub[string](),
	}
}

// Dial 连接 NATS 并订阅 user 的两个主题
func Dial(conf Config, user string, log *zap.Logger) (*Relay, error) {
	if len(conf.Servers) == 0 {
		return nil, errs.ErrInvalidArgument.WrapMsg("nats servers missing")
	}
	if user == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("user missing")
	}
	r := newRelay(conf, user, log)
	opts := []nats.Option{
		nats.Name(r.conf.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(r.conf.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(r.conf.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			r.log.Warn("[NatsRelay] disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			r.log.Info("[NatsRelay] reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if r.conf.User != "" {
		opts = append(opts, nats.UserInfo(r.conf.User, r.conf.Password))
	}
	nc, err := nats.Connect(strings.Join(r.conf.Servers, ","), opts...)
	if err != nil {
		return nil, errs.ErrNetworkFailure.WrapMsg("nats connect", "err", err)
	}
	r.nc = nc
	if err := r.subscribe(); err != nil {
		nc.Close()
		return nil, err
	}
	r.log.Info("[NatsRelay] ready", zap.String("url", nc.ConnectedUrl()))
	return r, nil
}

// token NATS 主题里 . * > 和空白有特殊含义
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

func (r *Relay) subject(user, kind string) string {
	return r.conf.SubjectPrefix + "." + token(user) + "." + kind
}

func (r *Relay) subscribe() error {
	offers, err := r.nc.Subscribe(r.subject(r.user, "offer"), func(m *nats.Msg) {
		var o signal.Offer
		if err := json.Unmarshal(m.Data, &o); err != nil {
			r.log.Warn("[NatsRelay] bad offer", zap.Error(err))
			return
		}
		data, _ := json.Marshal(r.receiveOffer(o))
		if err := m.Respond(data); err != nil {
			r.log.Warn("[NatsRelay] respond failed", zap.Error(err))
		}
	})
	if err != nil {
		return errs.ErrNetworkFailure.WrapMsg("subscribe offers", "err", err)
	}
	answers, err := r.nc.Subscribe(r.subject(r.user, "answer"), func(m *nats.Msg) {
		var a signal.Answer
		if err := json.Unmarshal(m.Data, &a); err != nil {
			r.log.Warn("[NatsRelay] bad answer", zap.Error(err))
			return
		}
		r.receiveAnswer(a)
	})
	if err != nil {
		_ = offers.Unsubscribe()
		return errs.ErrNetworkFailure.WrapMsg("subscribe answers", "err", err)
	}
	r.subs = append(r.subs, offers, answers)
	return nil
}

// OnDeliver 收到新载荷时回调
func (r *Relay) OnDeliver(fn func(user string)) (unsubscribe func()) { return r.hub.Subscribe(fn) }

func (r *Relay) push(q queued) {
	r.seq++
	q.seq = r.seq
	r.inbox = append(r.inbox, q)
	if len(r.inbox) > r.conf.MaxQueue {
		r.inbox = r.inbox[len(r.inbox)-r.conf.MaxQueue:]
	}
}

// receiveOffer 双方同时发 offer 时 user id 小的一方胜出：
// 胜方把自己的 offer 作为 CounterOffer 回给对端，败方收下对端 offer 并放弃自己的。
func (r *Relay) receiveOffer(o signal.Offer) signal.Ack {
	r.mu.Lock()
	if mine, ok := r.pending[o.From]; ok {
		fresh := r.conf.Clock().Sub(time.UnixMilli(mine.CreatedAt)) <= r.conf.OfferTTL
		if fresh && r.user < o.From {
			r.mu.Unlock()
			r.log.Debug("[NatsRelay] counter offer", zap.String("peer", o.From), zap.String("offer", mine.ID))
			return signal.Ack{CounterOffer: &mine}
		}
		delete(r.pending, o.From)
	}
	r.push(queued{offer: &o})
	r.mu.Unlock()
	r.hub.Publish(r.user)
	return signal.Ack{}
}

func (r *Relay) receiveAnswer(a signal.Answer) {
	r.mu.Lock()
	if mine, ok := r.pending[a.From]; ok && mine.ID == a.OfferID {
		delete(r.pending, a.From)
	}
	r.push(queued{answer: &a})
	r.mu.Unlock()
	r.hub.Publish(r.user)
}

func (r *Relay) PublishOffer(ctx context.Context, o signal.Offer) (signal.Ack, error) {
	if o.From == "" {
		o.From = r.user
	}
	if o.ID == "" || o.To == "" || o.From != r.user || o.To == r.user {
		return signal.Ack{}, errs.ErrInvalidArgument.WrapMsg("bad offer", "id", o.ID, "from", o.From, "to", o.To)
	}
	if o.CreatedAt == 0 {
		o.CreatedAt = r.conf.Clock().UnixMilli()
	}
	// 先登记再发送，对端同时发来的 offer 才能看到这一个
	r.mu.Lock()
	r.pending[o.To] = o
	r.mu.Unlock()

	data, err := json.Marshal(o)
	if err != nil {
		return signal.Ack{}, errs.ErrInvalidArgument.WrapMsg("encode offer", "err", err)
	}
	msg, err := r.nc.RequestWithContext(ctx, r.subject(o.To, "offer"), data)
	if err != nil {
		r.dropPending(o)
		if errors.Is(err, nats.ErrNoResponders) {
			return signal.Ack{}, errs.ErrNetworkFailure.WrapMsg("peer offline", "peer", o.To)
		}
		return signal.Ack{}, errs.ErrNetworkFailure.WrapMsg("publish offer", "peer", o.To, "err", err)
	}
	var ack signal.Ack
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		r.dropPending(o)
		return signal.Ack{}, errs.ErrProtocolMismatch.WrapMsg("decode ack", "err", err)
	}
	if ack.CounterOffer != nil {
		r.dropPending(o)
	}
	return ack, nil
}

func (r *Relay) dropPending(o signal.Offer) {
	r.mu.Lock()
	if cur, ok := r.pending[o.To]; ok && cur.ID == o.ID {
		delete(r.pending, o.To)
	}
	r.mu.Unlock()
}

func (r *Relay) PublishAnswer(ctx context.Context, a signal.Answer) error {
	if a.From == "" {
		a.From = r.user
	}
	if a.OfferID == "" || a.To == "" || a.From != r.user {
		return errs.ErrInvalidArgument.WrapMsg("bad answer", "offer", a.OfferID, "from", a.From, "to", a.To)
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = r.conf.Clock().UnixMilli()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return errs.ErrInvalidArgument.WrapMsg("encode answer", "err", err)
	}
	if err := r.nc.Publish(r.subject(a.To, "answer"), data); err != nil {
		return errs.ErrNetworkFailure.WrapMsg("publish answer", "peer", a.To, "err", err)
	}
	return nil
}

func (r *Relay) Poll(ctx context.Context, user string, since int64) (signal.Details, int64, error) {
	if user != r.user {
		return signal.Details{}, since, errs.ErrInvalidArgument.WrapMsg("relay bound to another user", "user", user)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var d signal.Details
	cursor := since
	for _, q := range r.inbox {
		if q.seq <= since {
			continue
		}
		if q.offer != nil {
			d.Offers = append(d.Offers, *q.offer)
		}
		if q.answer != nil {
			d.Answers = append(d.Answers, *q.answer)
		}
		cursor = q.seq
	}
	return d, cursor, nil
}

// Close 退订并 drain 连接
func (r *Relay) Close() error {
	for _, s := range r.subs {
		_ = s.Unsubscribe()
	}
	r.subs = nil
	if r.nc != nil {
		return r.nc.Drain()
	}
	return nil
}
