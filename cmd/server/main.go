package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/pkg/discovery"
	"github.com/ryandielhenn/zephyrgroup/pkg/group"
	"github.com/ryandielhenn/zephyrgroup/pkg/kv"
	"github.com/ryandielhenn/zephyrgroup/pkg/membership"
	"github.com/ryandielhenn/zephyrgroup/pkg/node"
	"github.com/ryandielhenn/zephyrgroup/pkg/statetransfer"
	"github.com/ryandielhenn/zephyrgroup/pkg/transport"
	"github.com/ryandielhenn/zephyrgroup/pkg/wire"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("node stopped", zap.Error(err))
	}
}

func newLogger() *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if os.Getenv("LOG_DEV") == "1" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	return logger
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	clock := clockwork.NewRealClock()

	// 1. Identify this node
	id := uuid.Must(uuid.NewV4())
	if v := os.Getenv("SELF_ID"); v != "" {
		parsed, err := uuid.FromString(v)
		if err != nil {
			return err
		}
		id = parsed
	}
	name := getenv("SELF_NAME", id.String()[:8])
	addr := transport.NormalizeHostPort(getenv("SELF_ADDR", "localhost"), "8080")
	self := membership.NewNode(id, name, addr, os.Getenv("SELF_DOMAIN"), nil)

	cfg := group.DefaultConfig()
	cfg.Name = getenv("GROUP_NAME", "zephyr")
	if v := os.Getenv("GROUP_DURABLE"); v != "" {
		durable, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		cfg.Durable = durable
	}
	if v := os.Getenv("STATE_TRANSFER"); v != "" {
		cfg.StateTransfer.Strategy = statetransfer.Strategy(v)
	}

	// 2. Discover peers through etcd
	ecfg := discovery.DefaultEtcdConfig()
	ecfg.Group = cfg.Name
	if v := os.Getenv("ETCD_ENDPOINTS"); v != "" {
		ecfg.Endpoints = strings.Split(v, ",")
	}
	if v := os.Getenv("MIN_GROUP_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		ecfg.MinGroupSize = n
	}
	if err := ecfg.Validate(); err != nil {
		return err
	}
	logger.Info("creating etcd client", zap.Strings("endpoints", ecfg.Endpoints))
	cli, err := discovery.NewClient(ecfg)
	if err != nil {
		return err
	}
	defer cli.Close()

	directory := transport.NewDirectory(self)
	etcd := discovery.NewEtcd(cli, self, ecfg, clock, logger)
	etcd.OnChange(func(nodes []membership.Node) { directory.Update(nodes...) })
	go func() {
		if err := etcd.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("discovery stopped", zap.Error(err))
		}
	}()

	// 3. Wire the peer transport and the group channel
	registry := wire.NewRegistry()
	group.RegisterParts(registry)
	tcfg := transport.DefaultHTTPConfig()
	httpTransport, err := transport.NewHTTP(self, tcfg, registry, directory, logger)
	if err != nil {
		return err
	}
	defer httpTransport.Close()
	dial := func(h transport.Handler, _ func(func())) transport.Transport {
		httpTransport.Bind(h)
		return httpTransport
	}

	store := kv.NewStore(64<<20, clock, logger)
	ch, err := group.NewChannel(self, cfg, dial, etcd, store,
		group.WithClock(clock), group.WithLogger(logger), group.WithDirectory(directory))
	if err != nil {
		return err
	}
	ch.AddListener(group.ListenerFuncs{
		Joined: func(m *membership.Membership) {
			logger.Info("joined group", zap.Stringer("membership", m))
		},
		Changed: func(e group.Event) {
			logger.Info("membership changed", zap.Stringer("membership", e.New), zap.Bool("primaryLost", e.PrimaryLost))
		},
		Left: func(reason group.LeaveReason, err error) {
			logger.Warn("left group", zap.Stringer("reason", reason), zap.Error(err))
			stop()
		},
	})
	// The channel outlives ctx so a graceful leave can still be sent.
	chCtx, chCancel := context.WithCancel(context.Background())
	defer chCancel()
	go ch.Run(chCtx)

	// 4. Serve the HTTP surface
	mux := http.NewServeMux()
	node.NewNode(ch, store, clock, logger).Routes(mux, httpTransport, tcfg.Path)
	srv := &http.Server{Addr: getenv("HTTP_ADDR", ":8080"), Handler: mux}
	errc := make(chan error, 1)
	go func() {
		logger.Info("node listening", zap.String("addr", srv.Addr), zap.Stringer("node", self))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	if !ch.Left() {
		ch.Leave()
		deadline := clock.Now().Add(2 * time.Second)
		for !ch.Left() && clock.Now().Before(deadline) {
			clock.Sleep(10 * time.Millisecond)
		}
	}
	chCancel()
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdown)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
