package middleware

import (
	"github.com/gin-gonic/gin"
)

// 配置选项
type RouteOpt struct {
	Guards []gin.HandlerFunc // run in order before the handler
}

func chain(handler gin.HandlerFunc, opt RouteOpt) []gin.HandlerFunc {
	hs := make([]gin.HandlerFunc, 0, len(opt.Guards)+1)
	hs = append(hs, opt.Guards...)
	return append(hs, handler)
}

// 封装 POST
func POST(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.POST(path, chain(handler, opt)...)
}

// 封装 GET
func GET(r gin.IRoutes, path string, handler gin.HandlerFunc, opt RouteOpt) {
	r.GET(path, chain(handler, opt)...)
}
