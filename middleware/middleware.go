// Package middleware wraps transport.Handlers with cross-cutting behaviour.
//
// A middleware sees every ServerCall before the handler does, EOF contexts
// included, and may answer the call itself instead of passing it on.
package middleware

import "msgpack-rpc/transport"

type Middleware func(next transport.Handler) transport.Handler

// Chain 将多个中间件组合成一个中间件
//
//	Chain(A, B, C)(h) → A(B(C(h)))
func Chain(middlewares ...Middleware) Middleware {
	return func(next transport.Handler) transport.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
