// Command portrpc serves and calls the demo Arith service over TCP.
//
//	portrpc serve --addr 127.0.0.1:9090
//	portrpc call --addr 127.0.0.1:9090 add 2 3
//	portrpc --codec proto serve --etcd 127.0.0.1:2379 --metrics :9100
//	portrpc call --etcd 127.0.0.1:2379 --balancer weighted div 1 4
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"portrpc/client"
	"portrpc/codec"
	"portrpc/loadbalance"
	"portrpc/middleware"
	"portrpc/registry"
	"portrpc/server"
	"portrpc/transport"
)

const (
	version     = "0.1.0"
	serviceName = "Arith"
)

func main() {
	app := cli.NewApp()
	app.Name = "portrpc"
	app.Usage = "serve and call the demo Arith service"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "Log at debug level in development format",
		},
		cli.StringFlag{
			Name:  "codec",
			Value: "json",
			Usage: "Wire codec: json or proto",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:   "serve",
			Usage:  "Serve Arith on a TCP address",
			Action: serveCommand,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "addr",
					Value: "127.0.0.1:9090",
					Usage: "Listen address",
				},
				cli.StringFlag{
					Name:  "etcd",
					Usage: "Comma-separated etcd endpoints to register with",
				},
				cli.StringFlag{
					Name:  "advertise",
					Usage: "Address registered in etcd, defaults to the listen address",
				},
				cli.IntFlag{
					Name:  "weight",
					Value: 1,
					Usage: "Instance weight for weighted balancing",
				},
				cli.Float64Flag{
					Name:  "rate",
					Usage: "Calls per second allowed per connection, 0 for unlimited",
				},
				cli.DurationFlag{
					Name:  "timeout",
					Value: 10 * time.Second,
					Usage: "Deadline for asynchronous procedures",
				},
				cli.StringFlag{
					Name:  "metrics",
					Usage: "Address to expose Prometheus metrics on",
				},
			},
		},
		cli.Command{
			Name:      "call",
			Usage:     "Call a procedure",
			ArgsUsage: "<procedure> [json args...]",
			Action:    callCommand,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "addr",
					Value: "127.0.0.1:9090",
					Usage: "Server address, ignored with --etcd",
				},
				cli.StringFlag{
					Name:  "etcd",
					Usage: "Comma-separated etcd endpoints to discover the service in",
				},
				cli.StringFlag{
					Name:  "balancer",
					Value: "roundrobin",
					Usage: "roundrobin, weighted or consistenthash",
				},
				cli.StringFlag{
					Name:  "key",
					Usage: "Affinity key for consistenthash",
				},
				cli.DurationFlag{
					Name:  "timeout",
					Value: 5 * time.Second,
					Usage: "Overall deadline of the call",
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	var (
		log *zap.Logger
		err error
	)
	if debug {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)
	return log, nil
}

func serveCommand(c *cli.Context) error {
	log, err := newLogger(c.GlobalBool("debug"))
	if err != nil {
		return err
	}
	defer log.Sync()

	ct, err := codec.ParseType(c.GlobalString("codec"))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", c.String("addr"))
	if err != nil {
		return err
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(log)}
	if addr := c.String("metrics"); addr != "" {
		reg := prometheus.NewRegistry()
		mws = append(mws, middleware.NewMetrics(reg).Middleware())
		go func() {
			err := http.ListenAndServe(addr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Error("metrics endpoint stopped", zap.Error(err))
		}()
	}
	if r := c.Float64("rate"); r > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(r, int(math.Ceil(r))))
	}
	if d := c.Duration("timeout"); d > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(d))
	}

	if endpoints := c.String("etcd"); endpoints != "" {
		reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), log)
		if err != nil {
			return err
		}
		defer reg.Close()
		advertise := c.String("advertise")
		if advertise == "" {
			advertise = ln.Addr().String()
		}
		inst := registry.ServiceInstance{
			Addr:    advertise,
			Weight:  c.Int("weight"),
			Version: version,
			Codec:   ct.String(),
		}
		if err := reg.Register(ctx, serviceName, inst, 10); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := reg.Deregister(ctx, serviceName, advertise); err != nil {
				log.Warn("deregister failed", zap.Error(err))
			}
		}()
	}

	log.Info("serving", zap.String("addr", ln.Addr().String()), zap.Stringer("codec", ct))
	return transport.Serve(ctx, ln, func(conn *transport.Conn) {
		_, err := server.New(conn.Port(), &Arith{},
			server.WithRelease(),
			server.WithLogger(log),
			server.WithMiddleware(mws...))
		if err != nil {
			log.Error("cannot serve connection", zap.Error(err))
			conn.Close()
		}
	}, transport.WithCodec(ct), transport.WithLogger(log))
}

func callCommand(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.NewExitError("usage: portrpc call <procedure> [json args...]", 2)
	}
	log, err := newLogger(c.GlobalBool("debug"))
	if err != nil {
		return err
	}
	defer log.Sync()

	ct, err := codec.ParseType(c.GlobalString("codec"))
	if err != nil {
		return err
	}
	args, err := parseArgs(c.Args().Tail())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()
	opts := []transport.Option{transport.WithCodec(ct), transport.WithLogger(log)}

	var conn *transport.Conn
	if endpoints := c.String("etcd"); endpoints != "" {
		reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), log)
		if err != nil {
			return err
		}
		defer reg.Close()
		bal, err := loadbalance.New(c.String("balancer"), c.String("key"))
		if err != nil {
			return err
		}
		pool := transport.NewPool(opts...)
		defer pool.Close()
		if conn, err = pool.Service(ctx, reg, bal, serviceName); err != nil {
			return err
		}
	} else {
		if conn, err = transport.Dial(ctx, c.String("addr"), opts...); err != nil {
			return err
		}
		defer conn.Close()
	}

	cl, err := client.New(conn.Port(), client.WithLogger(log))
	if err != nil {
		return err
	}
	defer cl.Close()

	v, err := client.Call[any](ctx, cl, c.Args().First(), args...)
	if err != nil {
		return err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// parseArgs reads each argument as JSON; anything that is not JSON is taken
// as a plain string.
func parseArgs(raw []string) ([]any, error) {
	args := make([]any, len(raw))
	for i, s := range raw {
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil || dec.More() {
			args[i] = s
			continue
		}
		n, err := numbers(v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		args[i] = n
	}
	return args, nil
}

// numbers turns json.Number into int64 when integral, float64 otherwise.
func numbers(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case []any:
		for i, e := range x {
			n, err := numbers(e)
			if err != nil {
				return nil, err
			}
			x[i] = n
		}
	case map[string]any:
		for k, e := range x {
			n, err := numbers(e)
			if err != nil {
				return nil, err
			}
			x[k] = n
		}
	}
	return v, nil
}
