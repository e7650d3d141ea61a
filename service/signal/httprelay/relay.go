// Package httprelay 通过账本服务的 /v1/signal 接口交换 P2P 协商载荷
package httprelay

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"PPSync/service/backend/wire"
	"PPSync/service/signal"
	"PPSync/tools/errs"

	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/pkg/errors"
)

type Relay struct {
	user string
	http *resty.Client
}

var _ signal.Relay = (*Relay)(nil)

func New(baseURL, user string, timeout time.Duration) *Relay {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("X-User-ID", user).
		SetHeader("Content-Type", "application/json")
	return &Relay{user: user, http: hc}
}

func (r *Relay) call(ctx context.Context, method, path string, body, out any) error {
	var ce errs.CodeError
	req := r.http.R().SetContext(ctx).SetError(&ce)
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return errs.ErrNetworkFailure.WrapMsg("signal "+path, "err", err)
	}
	if resp.IsError() {
		if ce.Code != 0 {
			return pkgerrors.WithStack(ce)
		}
		return errs.ErrNetworkFailure.WrapMsg("signal "+path, "status", resp.StatusCode())
	}
	return nil
}

func (r *Relay) PublishOffer(ctx context.Context, o signal.Offer) (signal.Ack, error) {
	var ack signal.Ack
	err := r.call(ctx, http.MethodPost, "/v1/signal/offer", o, &ack)
	return ack, err
}

func (r *Relay) PublishAnswer(ctx context.Context, a signal.Answer) error {
	return r.call(ctx, http.MethodPost, "/v1/signal/answer", a, nil)
}

// Poll user 必须是本 Relay 的身份，服务端按请求头识别
func (r *Relay) Poll(ctx context.Context, user string, since int64) (signal.Details, int64, error) {
	if user != r.user {
		return signal.Details{}, since, errs.ErrInvalidArgument.WrapMsg("relay bound to another user", "user", user)
	}
	var out wire.PollResp
	err := r.call(ctx, http.MethodGet, "/v1/signal/poll?since="+strconv.FormatInt(since, 10), nil, &out)
	if err != nil {
		return signal.Details{}, since, err
	}
	return out.Details, out.Cursor, nil
}
