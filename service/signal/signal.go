// Package signal P2P 建连协商（offer/answer）的交换接口。
// 交换点只转发协商载荷，不承载会话数据。
package signal

import "context"

type Offer struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	SDP       string `json:"sdp"`
	CreatedAt int64  `json:"createdAt"`
}

type Answer struct {
	ID        string `json:"id"`
	OfferID   string `json:"offerId"`
	From      string `json:"from"`
	To        string `json:"to"`
	SDP       string `json:"sdp"`
	CreatedAt int64  `json:"createdAt"`
}

// Ack 对方已经有一个发给我们、尚未应答的 offer 时，交换点把它作为 CounterOffer 返回，
// 我们的 offer 不会被投递；调用方丢弃自己的连接改为应答它。
type Ack struct {
	CounterOffer *Offer `json:"counterOffer,omitempty"`
}

// Details 一次轮询拿到的新协商载荷
type Details struct {
	Offers  []Offer  `json:"offers"`
	Answers []Answer `json:"answers"`
}

func (d Details) Empty() bool { return len(d.Offers) == 0 && len(d.Answers) == 0 }

type Relay interface {
	PublishOffer(ctx context.Context, o Offer) (Ack, error)
	PublishAnswer(ctx context.Context, a Answer) error
	// Poll 返回 user 在 since 游标之后收到的载荷和新游标
	Poll(ctx context.Context, user string, since int64) (Details, int64, error)
}
