// routerctl is a thin operational CLI for the Statement Router: it
// loads a configuration string, wires a Router around an embedded fake
// execution engine and a single-node cluster view, drives a short
// scripted sequence of DDL/INSERT/UPDATE/SELECT statements through it,
// and optionally serves the router's Prometheus metrics. Grounded on
// driver/cmd/sniffer (small flag-based CLI wrapping a protocol-level
// facility) and driver/prometheus/example_test.go (registering a
// collector and serving promhttp.Handler).
package main

import (
	"context"
	"database/sql/driver"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/distcore/router/cluster"
	"github.com/distcore/router/config"
	"github.com/distcore/router/metrics"
	"github.com/distcore/router/metrics/promcollector"
	"github.com/distcore/router/param"
	"github.com/distcore/router/partition"
	"github.com/distcore/router/peer"
	"github.com/distcore/router/result"
	"github.com/distcore/router/row"
	"github.com/distcore/router/router"
	"github.com/distcore/router/session"
	"github.com/distcore/router/statement"
)

// Flag name and environment variable constants, grounded on
// cmd/bulkbench/flag.go's naming convention.
const (
	fnDSN   = "dsn"
	fnAddr  = "metricsAddr"
	fnDebug = "debug"

	envDSN   = "ROUTERDSN"
	envAddr  = "ROUTERMETRICSADDR"
	envDebug = "ROUTERDEBUG"
)

func getStringEnv(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func getBoolEnv(name string, def bool) bool {
	if v, ok := os.LookupEnv(name); ok {
		return v == "1" || v == "true"
	}
	return def
}

func main() {
	dsn := flag.String(fnDSN, getStringEnv(envDSN, "router://localhost:5000?seeds=localhost:5000&schema=demo"),
		fmt.Sprintf("router configuration string (environment variable: %s)", envDSN))
	addr := flag.String(fnAddr, getStringEnv(envAddr, ""),
		fmt.Sprintf("<host:port> to serve /metrics on; empty disables the HTTP server (environment variable: %s)", envAddr))
	debug := flag.Bool(fnDebug, getBoolEnv(envDebug, false),
		fmt.Sprintf("enable debug-level logging (environment variable: %s)", envDebug))
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Parse(*dsn)
	if err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	rtr, fake, resolver, collector := build(cfg, logger)
	defer collector.Close()

	if err := prometheus.Register(promcollector.New(collector, cfg.Host)); err != nil {
		logger.Error("failed to register metrics collector", slog.Any("error", err))
		os.Exit(1)
	}

	var httpDone chan struct{}
	if *addr != "" {
		httpDone = make(chan struct{})
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *addr, Handler: mux}
		go func() {
			logger.Info("serving metrics", slog.String("addr", *addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
			close(httpDone)
		}()
	}

	ctx := context.Background()
	if err := runSmokeTest(ctx, rtr, fake, resolver, logger); err != nil {
		logger.Error("smoke test failed", slog.Any("error", err))
		os.Exit(1)
	}

	if httpDone != nil {
		logger.Info("smoke test complete, serving metrics until interrupted")
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint
	}
}

// build wires a single-node Router: a cluster.Fake with only this
// node as a live, seeded member, a Partition Resolver over it, and a
// peer.Pool that is constructed (so the router has a real PeerClient
// to call through) but never dialed since every statement below
// resolves to self.
func build(cfg *config.Config, logger *slog.Logger) (*router.Router, *cluster.Fake, *partition.Resolver, *metrics.Collector) {
	self := cluster.NewEndpoint(cfg.Host)
	fake := cluster.NewFake(self)
	fake.SetSeeds(self)

	resolver := partition.New(cluster.SchemaRef{FullName: cfg.Schema}, cluster.NewXXHashPartitioner(), fake, fake)
	collector := metrics.NewCollector()
	pool := peer.NewPool(peer.NetDialer{Timeout: cfg.DialTimeout}, peer.WithMetrics(collector))

	rtr := router.New(self, fake, fake, resolver, pool, cfg.FetchSize, cfg.ServerCachedObjects, collector, router.WithLogger(logger))
	return rtr, fake, resolver, collector
}

// equalFilter pins a statement's partition key to a fixed literal, the
// minimal partition.Filter shape the resolver needs.
type equalFilter struct {
	key driver.Value
}

func (f equalFilter) EqualKey() (driver.Value, bool) { return f.key, true }

// tableEngine is a statement.Engine backed by an in-memory row slice,
// standing in for the real SQL parser and local execution engine this
// module depends on only through the Engine interface.
type tableEngine struct {
	rows []row.Row
}

func (e *tableEngine) UpdateLocal(ctx context.Context, sql string, params []*param.Parameter) (int64, error) {
	cols := make([]driver.Value, len(params))
	for i, p := range params {
		v, _ := p.Value()
		cols[i] = v
	}
	var key driver.Value
	if len(cols) > 0 {
		key = cols[0]
	}
	e.rows = append(e.rows, row.Row{RowKey: key, Columns: cols})
	return 1, nil
}

func (e *tableEngine) QueryLocal(ctx context.Context, sql string, params []*param.Parameter, maxRows int64) (result.Result, error) {
	rows := e.rows
	if maxRows >= 0 && int64(len(rows)) > maxRows {
		rows = rows[:maxRows]
	}
	return result.NewLocal(2, rows), nil
}

func (e *tableEngine) PlanSQLForRows(sql string, rows []row.Row) string { return sql }

func (e *tableEngine) OrderByLess(stmt *statement.Statement) result.Less {
	return func(a, b row.Row) bool { return false }
}

func (e *tableEngine) NewReducer(stmt, reducerStmt *statement.Statement) result.Reducer { return nil }

// runSmokeTest drives a DDL, two INSERTs, a local SELECT, and a
// partition-resolved UPDATE through rtr, logging each result.
func runSmokeTest(ctx context.Context, rtr *router.Router, fake *cluster.Fake, resolver *partition.Resolver, logger *slog.Logger) error {
	engine := &tableEngine{}
	sess := session.New("routerctl-session", nil, nil)

	ddl := statement.New(statement.Define, "create table orders (id bigint, amount bigint)", sess, engine)
	ddl.SetLocal(true)
	n, err := rtr.ExecuteUpdate(ctx, ddl)
	if err != nil {
		return fmt.Errorf("ddl: %w", err)
	}
	logger.Info("ran DDL", slog.Int64("rows", n))

	for _, id := range []int64{1, 2} {
		p := param.New(1, param.Meta{DataType: param.DTInt64})
		if err := p.SetValue(id, false); err != nil {
			return err
		}
		ins := statement.New(statement.Insert, "insert into orders (id) values (?)", sess, engine)
		ins.SetLocal(true)
		ins.SetParameters([]*param.Parameter{p})
		n, err := rtr.ExecuteUpdate(ctx, ins)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		logger.Info("ran INSERT", slog.Int64("rows", n), slog.Int64("id", id))
	}

	sel := statement.New(statement.Select, "select id from orders", sess, engine)
	sel.SetLocal(true)
	res, err := rtr.ExecuteQuery(ctx, sel, 100, false)
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}
	defer res.Close()
	count := 0
	for {
		rr, err := res.Next()
		if err != nil {
			return err
		}
		if rr == nil {
			break
		}
		count++
	}
	logger.Info("ran SELECT", slog.Int("rows", count))

	// Demonstrate the partition-resolved dispatch path: seed the fake
	// token metadata so id=1's key resolves to exactly this node, then
	// run an UPDATE through the non-local dispatch branch.
	tok, err := resolver.TokenFor(int64(1))
	if err != nil {
		return fmt.Errorf("token for demo key: %w", err)
	}
	fake.SetNatural(tok, fake.BroadcastAddress())

	upd := statement.New(statement.Update, "update orders set amount=amount+1 where id=?", sess, engine)
	upd.SetTopFilter(equalFilter{key: int64(1)})
	n, err = rtr.ExecuteUpdate(ctx, upd)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	logger.Info("ran resolved UPDATE", slog.Int64("rows", n))
	return nil
}
