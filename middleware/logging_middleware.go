package middleware

import (
	"time"

	"github.com/sirupsen/logrus"

	"msgpack-rpc/transport"
)

// LoggingMiddleware logs each call with the time the handler held it.
// Handlers that reply from another goroutine are timed only up to their return.
func LoggingMiddleware(log logrus.FieldLogger) Middleware {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return func(next transport.Handler) transport.Handler {
		return func(sc *transport.ServerCall) {
			d := sc.Dispatcher()
			if sc.EOF() {
				log.WithFields(logrus.Fields{
					"prog":   d.Program(),
					"remote": d.Transport().RemoteAddr(),
				}).Debug("msgpackrpc: connection ended")
				next(sc)
				return
			}

			start := time.Now()
			next(sc)
			entry := log.WithFields(logrus.Fields{
				"method":   sc.Method(),
				"seq":      sc.Seq(),
				"notify":   sc.IsNotify(),
				"remote":   d.Transport().RemoteAddr(),
				"duration": time.Since(start),
			})
			if !sc.IsNotify() && !sc.Replied() {
				entry.Info("msgpackrpc: call pending after handler returned")
				return
			}
			entry.Info("msgpackrpc: call handled")
		}
	}
}
