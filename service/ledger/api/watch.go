package api

import (
	"context"
	"net"
	"net/http"
	"time"

	midsec "PPSync/middleware/security"
	"PPSync/service/backend/wire"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Origin 已由中间件校验
var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }}

// watch 推送当前用户所在会话的变化和新的协商载荷；只写不读，读循环只用来发现断开
func (s *Server) watch(c *gin.Context) {
	user := midsec.User(c)
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Info("[Watch] upgrade websocket error", zap.Error(err))
		return
	}
	defer func() { _ = ws.Close() }()

	out := make(chan wire.Nudge, 64)
	push := func(n wire.Nudge) {
		select {
		case out <- n:
		default: // 慢消费者丢提醒，客户端轮询兜底
		}
	}
	watchCtx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	cl := s.client(c)
	go func() { _ = cl.Watch(watchCtx, push) }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					s.log.Debug("[Watch] read timeout", zap.String("user", user))
				}
				return
			}
		}
	}()

	ping := time.NewTicker(s.conf.PingEvery)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case n := <-out:
			_ = ws.SetWriteDeadline(time.Now().Add(s.conf.WriteTimeout))
			if err := ws.WriteJSON(n); err != nil {
				s.log.Debug("[Watch] write failed", zap.String("user", user), zap.Error(err))
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(s.conf.WriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
