package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"PPSync/service/backend/wire"
	"PPSync/tools/errs"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func watchURL(base, user string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/watch"
	q := u.Query()
	q.Set("user", user)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Watch 订阅账本的变化提醒，直到连接断开或 ctx 取消；重连由调用方负责
func (c *Client) Watch(ctx context.Context, fn func(wire.Nudge)) error {
	target, err := watchURL(c.conf.BaseURL, c.user)
	if err != nil {
		return errs.ErrInvalidArgument.WrapMsg("bad base url", "err", err)
	}
	hdr := http.Header{}
	hdr.Set("X-User-ID", c.user)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, hdr)
	if err != nil {
		return errs.ErrNetworkFailure.WrapMsg("dial watch", "err", err)
	}
	defer func() { _ = ws.Close() }()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	for {
		var n wire.Nudge
		if err := ws.ReadJSON(&n); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			c.log.Debug("[Backend] watch read failed", zap.Error(err))
			return errs.ErrNetworkFailure.WrapMsg("watch read", "err", err)
		}
		fn(n)
	}
}
