package middleware

import (
	"golang.org/x/time/rate"

	"msgpack-rpc/transport"
)

// RateLimitMiddleware 创建一个基于令牌桶算法的限流中间件
//
// One limiter backs every handler the middleware wraps, so a Server.Use
// installation is a budget across all connections. Requests over the limit are
// rejected with StatSystemErr; notifications over the limit are dropped. EOF
// always passes.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next transport.Handler) transport.Handler {
		return func(sc *transport.ServerCall) {
			if sc.EOF() || limiter.Allow() {
				next(sc)
				return
			}
			_ = sc.Reject(transport.StatSystemErr)
		}
	}
}
