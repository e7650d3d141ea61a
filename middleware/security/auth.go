package security

import (
	"net/http"
	"strings"

	"PPSync/tools/errs"

	"github.com/gin-gonic/gin"
)

// CtxUserKey 后续 handler 统一用它取当前身份
const CtxUserKey = "userId"

// 身份校验在同步核心之外，这里只负责从请求里取出调用方 id
type Options struct {
	HeaderUser                string // 默认 "X-User-ID"
	QueryUser                 string // websocket 握手无法带头时用，默认 "user"
	EnableAuthorizationBearer bool   // Authorization: Bearer <user>
}

func DefaultOptions() *Options {
	return &Options{
		HeaderUser:                "X-User-ID",
		QueryUser:                 "user",
		EnableAuthorizationBearer: true,
	}
}

func Middleware(opts *Options) gin.HandlerFunc {
	if opts == nil {
		opts = DefaultOptions()
	}
	return func(c *gin.Context) {
		user := strings.TrimSpace(c.GetHeader(opts.HeaderUser))

		// 兼容 Authorization: Bearer xxx
		if user == "" && opts.EnableAuthorizationBearer {
			if authz := strings.TrimSpace(c.GetHeader("Authorization")); authz != "" {
				if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
					user = strings.TrimSpace(authz[len("bearer "):])
				}
			}
		}
		if user == "" && opts.QueryUser != "" {
			user = strings.TrimSpace(c.Query(opts.QueryUser))
		}
		if user == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errs.ErrInvalidArgument.WithDetail("missing user identity"))
			return
		}
		c.Set(CtxUserKey, user)
		c.Next()
	}
}

// User 取 Middleware 写入的身份
func User(c *gin.Context) string {
	return c.GetString(CtxUserKey)
}
