package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Origin websocket 握手时校验 Origin；allowed 为空表示不限制
func Origin(wsPath string, allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(c *gin.Context) {
		if len(set) > 0 && c.Request.Method == http.MethodGet && c.Request.URL.Path == wsPath {
			origin := c.GetHeader("Origin")
			if _, ok := set[origin]; origin != "" && !ok {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
		}
		c.Next()
	}
}
