// Package memrelay 进程内交换点：参考账本服务用它做 rendezvous，测试直接用它连两个客户端。
package memrelay

import (
	"context"
	"sync"
	"time"

	"PPSync/service/signal"
	"PPSync/tools/errs"
	"PPSync/tools/observe"
)

type item struct {
	seq    int64
	offer  *signal.Offer
	answer *signal.Answer
}

type Config struct {
	// OfferTTL 超过这个时间没被应答的 offer 不再作为 CounterOffer
	OfferTTL time.Duration
	MaxQueue int // 每个用户保留的载荷上限
	Clock    func() time.Time
}

func (c *Config) norm() {
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

type Board struct {
	conf    Config
	mu      sync.Mutex
	seq     int64
	inbox   map[string][]item        // user -> 按 seq 递增
	pending map[string]*signal.Offer // from|to -> 未应答 offer
	hub     *observe.Hub[string]
}

var _ signal.Relay = (*Board)(nil)

func New(conf Config) *Board {
	conf.norm()
	return &Board{
		conf:    conf,
		inbox:   make(map[string][]item),
		pending: make(map[string]*signal.Offer),
		hub:     observe.NewHub[string](),
	}
}

// OnDeliver 有新载荷投递给 user 时回调（账本用它推 websocket 提醒）
func (b *Board) OnDeliver(fn func(user string)) (unsubscribe func()) {
	return b.hub.Subscribe(fn)
}

func pairKey(from, to string) string { return from + "|" + to }

func (b *Board) push(user string, it item) {
	b.seq++
	it.seq = b.seq
	q := append(b.inbox[user], it)
	if len(q) > b.conf.MaxQueue {
		q = q[len(q)-b.conf.MaxQueue:]
	}
	b.inbox[user] = q
}

func (b *Board) PublishOffer(ctx context.Context, o signal.Offer) (signal.Ack, error) {
	if o.ID == "" || o.From == "" || o.To == "" || o.From == o.To {
		return signal.Ack{}, errs.ErrInvalidArgument.WrapMsg("bad offer", "id", o.ID, "from", o.From, "to", o.To)
	}
	now := b.conf.Clock()
	b.mu.Lock()
	if counter, ok := b.pending[pairKey(o.To, o.From)]; ok {
		if now.Sub(time.UnixMilli(counter.CreatedAt)) <= b.conf.OfferTTL {
			cp := *counter
			b.mu.Unlock()
			return signal.Ack{CounterOffer: &cp}, nil
		}
		delete(b.pending, pairKey(o.To, o.From))
	}
	if o.CreatedAt == 0 {
		o.CreatedAt = now.UnixMilli()
	}
	cp := o
	b.pending[pairKey(o.From, o.To)] = &cp
	b.push(o.To, item{offer: &cp})
	b.mu.Unlock()
	b.hub.Publish(o.To)
	return signal.Ack{}, nil
}

func (b *Board) PublishAnswer(ctx context.Context, a signal.Answer) error {
	if a.OfferID == "" || a.From == "" || a.To == "" {
		return errs.ErrInvalidArgument.WrapMsg("bad answer", "offer", a.OfferID, "from", a.From, "to", a.To)
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = b.conf.Clock().UnixMilli()
	}
	b.mu.Lock()
	if p, ok := b.pending[pairKey(a.To, a.From)]; ok && p.ID == a.OfferID {
		delete(b.pending, pairKey(a.To, a.From))
	}
	cp := a
	b.push(a.To, item{answer: &cp})
	b.mu.Unlock()
	b.hub.Publish(a.To)
	return nil
}

func (b *Board) Poll(ctx context.Context, user string, since int64) (signal.Details, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var d signal.Details
	cursor := since
	for _, it := range b.inbox[user] {
		if it.seq <= since {
			continue
		}
		if it.offer != nil {
			d.Offers = append(d.Offers, *it.offer)
		}
		if it.answer != nil {
			d.Answers = append(d.Answers, *it.answer)
		}
		cursor = it.seq
	}
	return d, cursor, nil
}

// Forget 连接建立后清理该对用户之间的未应答 offer
func (b *Board) Forget(from, to string) {
	b.mu.Lock()
	delete(b.pending, pairKey(from, to))
	b.mu.Unlock()
}
