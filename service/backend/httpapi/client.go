// Package httpapi 通过 HTTP 访问账本服务的 backend.Backend 实现。
// 网络错误统一成 errs.NetworkFailure；连续失败后熔断，熔断期间直接返回 errs.BreakerOpen。
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"PPSync/logger"
	"PPSync/module/chat/model"
	"PPSync/service/backend"
	"PPSync/service/backend/wire"
	"PPSync/tools/errs"

	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"` // 连续失败多少次熔断
	OpenTimeout time.Duration `mapstructure:"open_timeout"` // 熔断多久后半开
}

type Config struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
	Breaker    BreakerConfig `mapstructure:"breaker"`
}

func (c *Config) norm() {
	if c.BaseURL == "" {
		c.BaseURL = "http://127.0.0.1:8086"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.Breaker.MaxFailures == 0 {
		c.Breaker.MaxFailures = 5
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = 15 * time.Second
	}
}

type Client struct {
	conf Config
	user string
	http *resty.Client
	cb   *gobreaker.CircuitBreaker
	log  *zap.Logger
}

var _ backend.Backend = (*Client)(nil)

func New(conf Config, user string, log *zap.Logger) *Client {
	conf.norm()
	log = logger.Named(log, "backend")
	hc := resty.New().
		SetBaseURL(conf.BaseURL).
		SetTimeout(conf.Timeout).
		SetHeader("X-User-ID", user).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(conf.RetryCount).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "backend:" + user,
		Timeout: conf.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= conf.Breaker.MaxFailures
		},
		// 业务错误（参数、不存在）不计入失败
		IsSuccessful: func(err error) bool {
			return err == nil || !errs.IsCode(err, errs.NetworkFailure)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("[Backend] circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Client{conf: conf, user: user, http: hc, cb: cb, log: log}
}

func (c *Client) User() string { return c.user }

func (c *Client) BaseURL() string { return c.conf.BaseURL }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		var ce errs.CodeError
		req := c.http.R().SetContext(ctx).SetError(&ce)
		if body != nil {
			req.SetBody(body)
		}
		if out != nil {
			req.SetResult(out)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, errs.ErrNetworkFailure.WrapMsg(method+" "+path, "err", err)
		}
		if !resp.IsError() {
			return nil, nil
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return nil, errs.ErrNetworkFailure.WrapMsg(method+" "+path, "status", resp.StatusCode())
		}
		if ce.Code != 0 {
			return nil, pkgerrors.WithStack(ce)
		}
		return nil, errs.ErrInvalidArgument.WrapMsg(method+" "+path, "status", resp.StatusCode())
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errs.ErrBreakerOpen.WrapMsg(method+" "+path, "state", c.cb.State().String())
	}
	return err
}

func chatPath(chat, suffix string) string { return "/v1/chats/" + chat + suffix }

func (c *Client) CreateChat(ctx context.Context, chatID, name string, members ...string) error {
	return c.do(ctx, http.MethodPost, "/v1/chats", wire.CreateChatReq{ChatID: chatID, Name: name, Members: members}, nil)
}

func (c *Client) Join(ctx context.Context, chat string) error {
	return c.do(ctx, http.MethodPost, chatPath(chat, "/join"), nil, nil)
}

func (c *Client) Members(ctx context.Context, chat string) ([]string, error) {
	var out wire.MembersResp
	err := c.do(ctx, http.MethodGet, chatPath(chat, "/members"), nil, &out)
	return out.Members, err
}

func (c *Client) EventsWindow(ctx context.Context, chat string, bounds model.IndexRange, center int64, pageSize int) ([]model.EventWrapper, error) {
	var out wire.EventsResp
	err := c.do(ctx, http.MethodPost, chatPath(chat, "/window"), wire.WindowReq{Bounds: bounds, Center: center, PageSize: pageSize}, &out)
	return out.Events, err
}

func (c *Client) EventsRange(ctx context.Context, chat string, bounds model.IndexRange, start int64, ascending bool, pageSize int) ([]model.EventWrapper, error) {
	var out wire.EventsResp
	err := c.do(ctx, http.MethodPost, chatPath(chat, "/range"),
		wire.RangeReq{Bounds: bounds, Start: start, Ascending: ascending, PageSize: pageSize}, &out)
	return out.Events, err
}

func (c *Client) EventsByIndex(ctx context.Context, chat string, indexes []int64) ([]model.EventWrapper, error) {
	var out wire.EventsResp
	err := c.do(ctx, http.MethodPost, chatPath(chat, "/events"), wire.IndexesReq{Indexes: indexes}, &out)
	return out.Events, err
}

func (c *Client) SendMessage(ctx context.Context, req backend.SendRequest) (backend.SendResult, error) {
	var out backend.SendResult
	err := c.do(ctx, http.MethodPost, chatPath(req.ChatID, "/messages"), req, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, batches []model.ReadBatch) error {
	return c.do(ctx, http.MethodPost, "/v1/read", wire.ReadReq{Batches: batches}, nil)
}

func (c *Client) ChatSummary(ctx context.Context, chat string, updatesSince int64) (backend.ChatSummary, error) {
	var out backend.ChatSummary
	err := c.do(ctx, http.MethodGet, chatPath(chat, "/summary?since="+strconv.FormatInt(updatesSince, 10)), nil, &out)
	return out, err
}

func (c *Client) ToggleReaction(ctx context.Context, req backend.ReactionRequest) error {
	return c.do(ctx, http.MethodPost, chatPath(req.ChatID, "/reactions"), req, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, chat, messageID string) error {
	return c.do(ctx, http.MethodDelete, chatPath(chat, "/messages/"+messageID), nil, nil)
}

func (c *Client) UndeleteMessage(ctx context.Context, chat, messageID string) error {
	return c.do(ctx, http.MethodPost, chatPath(chat, "/messages/"+messageID+"/undelete"), nil, nil)
}
