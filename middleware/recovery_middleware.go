package middleware

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"msgpack-rpc/transport"
)

// RecoveryMiddleware turns a handler panic into a StatSystemErr rejection so
// one bad call cannot take the receive loop down. Replying twice is a bug in
// the handler and keeps panicking.
func RecoveryMiddleware(log logrus.FieldLogger) Middleware {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return func(next transport.Handler) transport.Handler {
		return func(sc *transport.ServerCall) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if err, ok := r.(error); ok && errors.Is(err, transport.ErrAlreadyReplied) {
					panic(r)
				}
				log.WithFields(logrus.Fields{
					"method": sc.Method(),
					"seq":    sc.Seq(),
					"panic":  fmt.Sprint(r),
				}).Error("msgpackrpc: handler panicked")
				if !sc.Replied() {
					_ = sc.Reject(transport.StatSystemErr)
				}
			}()
			next(sc)
		}
	}
}
