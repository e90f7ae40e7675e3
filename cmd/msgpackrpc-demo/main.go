// Command msgpackrpc-demo runs an Arith server, or a client that calls it.
//
//	msgpackrpc-demo -mode server -addr 127.0.0.1:9000
//	msgpackrpc-demo -mode client -addr 127.0.0.1:9000 -n 10
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"msgpack-rpc/client"
	"msgpack-rpc/internal/logfmt"
	"msgpack-rpc/middleware"
	"msgpack-rpc/server"
	"msgpack-rpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

func main() {
	var (
		mode      = flag.String("mode", "server", "server or client")
		addr      = flag.String("addr", "127.0.0.1:9000", "listen or dial address")
		n         = flag.Int("n", 5, "client: number of concurrent calls")
		timeout   = flag.Duration("timeout", 2*time.Second, "client: per-call timeout")
		keepalive = flag.Duration("keepalive", 0, "interval between rpc.ping notifications, 0 disables")
		rps       = flag.Float64("rps", 0, "server: requests per second across all connections, 0 is unlimited")
		verbose   = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logrus.SetOutput(os.Stdout)
	logrus.SetFormatter(&logfmt.Formatter{})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	var err error
	switch *mode {
	case "server":
		err = runServer(*addr, *keepalive, *rps)
	case "client":
		err = runClient(*addr, *n, *timeout, *keepalive)
	default:
		logrus.Fatalf("unknown mode %q", *mode)
	}
	if err != nil {
		logrus.Fatal(err)
	}
}

func runServer(addr string, keepalive time.Duration, rps float64) error {
	svr := server.NewServer(server.WithTransportOptions(transport.WithKeepalive(keepalive)))
	svr.Use(middleware.RecoveryMiddleware(nil))
	svr.Use(middleware.LoggingMiddleware(nil))
	if rps > 0 {
		svr.Use(middleware.RateLimitMiddleware(rps, int(rps)+1))
	}
	if err := svr.Register(&Arith{}); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		logrus.Info("shutting down")
		if err := svr.Shutdown(5 * time.Second); err != nil {
			logrus.WithError(err).Warn("shutdown")
		}
	}()
	return svr.Serve("tcp", addr)
}

func runClient(addr string, n int, timeout, keepalive time.Duration) error {
	ctx := context.Background()
	tr, err := transport.Dial(ctx, "tcp", addr,
		transport.WithCallTimeout(timeout),
		transport.WithKeepalive(keepalive))
	if err != nil {
		return err
	}
	defer tr.Close()

	arith := client.New(tr, "Arith")
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			var reply Reply
			if err := arith.Call(gctx, "Add", &Args{A: i, B: i * i}, &reply); err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{"a": i, "b": i * i}).Infof("Arith.Add = %d", reply.Result)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var reply Reply
	err = arith.Call(ctx, "Div", &Args{A: 1, B: 0}, &reply)
	logrus.WithField("status", transport.StatusOf(err)).Infof("Arith.Div 1/0: %v", err)
	return nil
}
