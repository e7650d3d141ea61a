// Package api 把参考账本以 HTTP（gin）暴露，并用 websocket 推送变化提醒。
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"PPSync/logger"
	"PPSync/middleware"
	midsec "PPSync/middleware/security"
	"PPSync/service/backend"
	"PPSync/service/backend/wire"
	"PPSync/service/ledger"
	"PPSync/service/signal"
	"PPSync/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Config struct {
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	PingEvery      time.Duration `mapstructure:"ping_every"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

func (c *Config) norm() {
	if c.Addr == "" {
		c.Addr = ":8086"
	}
	if c.PingEvery <= 0 {
		c.PingEvery = 25 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

const WatchPath = "/v1/watch"

type Server struct {
	conf   Config
	l      *ledger.Ledger
	engine *gin.Engine
	log    *zap.Logger
}

func NewServer(l *ledger.Ledger, conf Config, log *zap.Logger) *Server {
	conf.norm()
	gin.SetMode(gin.ReleaseMode)
	s := &Server{conf: conf, l: l, engine: gin.New(), log: logger.Named(log, "ledger-api")}

	mids := middleware.NewManager()
	mids.Add(gin.Recovery())
	mids.Add(middleware.AccessLog(s.log))
	mids.Add(middleware.Origin(WatchPath, conf.AllowedOrigins))
	s.engine.Use(mids.Use())
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	auth := middleware.RouteOpt{IsAuth: true}
	r := s.engine.Group("/v1")
	middleware.POST(r, "/chats", s.createChat, auth)
	middleware.POST(r, "/chats/:chat/join", s.join, auth)
	middleware.GET(r, "/chats/:chat/members", s.members, auth)
	middleware.GET(r, "/chats/:chat/summary", s.summary, auth)
	middleware.POST(r, "/chats/:chat/window", s.window, auth)
	middleware.POST(r, "/chats/:chat/range", s.rangeEvents, auth)
	middleware.POST(r, "/chats/:chat/events", s.byIndex, auth)
	middleware.POST(r, "/chats/:chat/messages", s.send, auth)
	middleware.DELETE(r, "/chats/:chat/messages/:id", s.deleteMessage, auth)
	middleware.POST(r, "/chats/:chat/messages/:id/undelete", s.undeleteMessage, auth)
	middleware.POST(r, "/chats/:chat/reactions", s.reaction, auth)
	middleware.POST(r, "/read", s.markRead, auth)
	middleware.POST(r, "/signal/offer", s.offer, auth)
	middleware.POST(r, "/signal/answer", s.answer, auth)
	middleware.GET(r, "/signal/poll", s.poll, auth)
	middleware.GET(r, "/watch", s.watch, auth)
}

// Run 阻塞直到 ctx 取消，然后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.conf.Addr, Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("[LedgerAPI] listening", zap.String("addr", s.conf.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func status(err error) int {
	switch errs.Code(err) {
	case errs.NotFound:
		return http.StatusNotFound
	case errs.InvalidArgument:
		return http.StatusBadRequest
	case 0:
		return http.StatusInternalServerError
	}
	return http.StatusUnprocessableEntity
}

func (s *Server) fail(c *gin.Context, err error) {
	var ce errs.CodeError
	if !errors.As(err, &ce) {
		ce = errs.ErrInternal.WithDetail(err.Error())
	}
	if status(err) >= http.StatusInternalServerError {
		s.log.Warn("[LedgerAPI] request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status(err), ce)
}

func (s *Server) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		s.fail(c, errs.ErrInvalidArgument.WrapMsg("bad body", "err", err))
		return false
	}
	return true
}

func (s *Server) client(c *gin.Context) *ledger.Client { return s.l.Client(midsec.User(c)) }

func (s *Server) createChat(c *gin.Context) {
	var req wire.CreateChatReq
	if !s.bind(c, &req) {
		return
	}
	if err := s.l.CreateChat(req.ChatID, req.Name, midsec.User(c), req.Members...); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) join(c *gin.Context) {
	if err := s.l.Join(c.Param("chat"), midsec.User(c)); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) members(c *gin.Context) {
	c.JSON(http.StatusOK, wire.MembersResp{Members: s.l.Members(c.Param("chat"))})
}

func (s *Server) summary(c *gin.Context) {
	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	sum, err := s.client(c).ChatSummary(c.Request.Context(), c.Param("chat"), since)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) window(c *gin.Context) {
	var req wire.WindowReq
	if !s.bind(c, &req) {
		return
	}
	evs, err := s.client(c).EventsWindow(c.Request.Context(), c.Param("chat"), req.Bounds, req.Center, req.PageSize)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wire.EventsResp{Events: evs})
}

func (s *Server) rangeEvents(c *gin.Context) {
	var req wire.RangeReq
	if !s.bind(c, &req) {
		return
	}
	evs, err := s.client(c).EventsRange(c.Request.Context(), c.Param("chat"), req.Bounds, req.Start, req.Ascending, req.PageSize)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wire.EventsResp{Events: evs})
}

func (s *Server) byIndex(c *gin.Context) {
	var req wire.IndexesReq
	if !s.bind(c, &req) {
		return
	}
	evs, err := s.client(c).EventsByIndex(c.Request.Context(), c.Param("chat"), req.Indexes)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wire.EventsResp{Events: evs})
}

func (s *Server) send(c *gin.Context) {
	var req backend.SendRequest
	if !s.bind(c, &req) {
		return
	}
	req.ChatID = c.Param("chat")
	res, err := s.client(c).SendMessage(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) deleteMessage(c *gin.Context) {
	if err := s.client(c).DeleteMessage(c.Request.Context(), c.Param("chat"), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) undeleteMessage(c *gin.Context) {
	if err := s.client(c).UndeleteMessage(c.Request.Context(), c.Param("chat"), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) reaction(c *gin.Context) {
	var req backend.ReactionRequest
	if !s.bind(c, &req) {
		return
	}
	req.ChatID = c.Param("chat")
	if err := s.client(c).ToggleReaction(c.Request.Context(), req); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) markRead(c *gin.Context) {
	var req wire.ReadReq
	if !s.bind(c, &req) {
		return
	}
	if err := s.client(c).MarkRead(c.Request.Context(), req.Batches); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) offer(c *gin.Context) {
	var o signal.Offer
	if !s.bind(c, &o) {
		return
	}
	o.From = midsec.User(c)
	ack, err := s.l.Rendezvous().PublishOffer(c.Request.Context(), o)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (s *Server) answer(c *gin.Context) {
	var a signal.Answer
	if !s.bind(c, &a) {
		return
	}
	a.From = midsec.User(c)
	if err := s.l.Rendezvous().PublishAnswer(c.Request.Context(), a); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) poll(c *gin.Context) {
	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	d, cursor, err := s.l.Rendezvous().Poll(c.Request.Context(), midsec.User(c), since)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wire.PollResp{Details: d, Cursor: cursor})
}
