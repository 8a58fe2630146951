// Package router implements the Statement Router: the dispatch table
// that decides, for a parsed Statement, which node(s) execute it, runs
// the sub-statements in parallel via the peer session pool and the
// parallel executor, and composes the results. This is the system's
// largest and most policy-heavy component; §4.8 of the design this
// package follows lays out one dispatch path per verb.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/distcore/router/cluster"
	"github.com/distcore/router/internal/dberr"
	"github.com/distcore/router/internal/randsrc"
	"github.com/distcore/router/metrics"
	"github.com/distcore/router/partition"
	"github.com/distcore/router/result"
	"github.com/distcore/router/session"
	"github.com/distcore/router/statement"
)

// PeerClient runs a statement's SQL on a remote peer on behalf of an
// origin session, bundling the pool's prepare/execute/close cycle into
// one call. tx is the origin session's distributed transaction, if any;
// the implementation propagates it onto the pooled peer session so the
// peer command dispatches COMMAND_EXECUTE_DISTRIBUTED_* and accumulates
// the peer-reported local transaction name onto tx. *peer.Pool
// implements this; tests supply a fake so the router's dispatch logic
// exercises without a real wire connection.
type PeerClient interface {
	ExecuteUpdateOn(ctx context.Context, originID, url, sql string, tx *session.Transaction, fetchSize, serverCachedObjects int64) (int64, error)
	ExecuteQueryOn(ctx context.Context, originID, url, sql string, tx *session.Transaction, fetchSize, serverCachedObjects, maxRows int64, scrollable bool) (result.Result, error)
}

// Router dispatches statements across the cluster. One Router is
// shared by every local session on a node; its mutable state is the
// DDL serialization lock and the reducer-statement cache.
type Router struct {
	self       cluster.Endpoint
	membership cluster.Membership
	snitch     cluster.Snitch
	resolver   *partition.Resolver
	pool       PeerClient

	fetchSize           int64
	serverCachedObjects int64

	metrics *metrics.Collector
	logger  *slog.Logger

	ddlMu sync.Mutex

	reducerStmts *reducerStmtCache
}

// Option configures optional Router behavior not central enough to
// belong in New's positional parameters.
type Option func(*Router)

// WithLogger overrides the default slog.Default() logger. Grounded on
// driver/conn.go's attrs.logger.With(...) pattern: built once at
// construction and threaded down rather than looked up globally.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// New builds a Router. metricsCollector may be nil, in which case
// dispatch proceeds without recording statistics.
func New(self cluster.Endpoint, membership cluster.Membership, snitch cluster.Snitch, resolver *partition.Resolver, pool PeerClient, fetchSize, serverCachedObjects int64, metricsCollector *metrics.Collector, opts ...Option) *Router {
	r := &Router{
		self:                self,
		membership:          membership,
		snitch:              snitch,
		resolver:            resolver,
		pool:                pool,
		fetchSize:           fetchSize,
		serverCachedObjects: serverCachedObjects,
		metrics:             metricsCollector,
		reducerStmts:        newReducerStmtCache(int(serverCachedObjects)),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

func (r *Router) observe(verb metrics.Verb, f func() error) error {
	if r.metrics == nil {
		return f()
	}
	r.metrics.IncInFlight(1)
	start := time.Now()
	defer func() {
		r.metrics.ObserveDuration(verb, time.Since(start).Nanoseconds())
		r.metrics.IncInFlight(-1)
	}()
	return f()
}

// ExecuteUpdate dispatches a DEFINE, INSERT, MERGE, UPDATE, or DELETE
// statement and returns the summed update count.
func (r *Router) ExecuteUpdate(ctx context.Context, stmt *statement.Statement) (int64, error) {
	var n int64
	err := r.observe(verbFor(stmt.Kind()), func() error {
		var err error
		switch stmt.Kind() {
		case statement.Define:
			n, err = r.dispatchDDL(ctx, stmt)
		case statement.Insert, statement.Merge:
			n, err = r.dispatchInsertMerge(ctx, stmt)
		case statement.Update, statement.Delete:
			n, err = r.dispatchUpdateDelete(ctx, stmt)
		default:
			err = errInvalidUpdateKind(stmt.Kind())
		}
		return err
	})
	return n, err
}

// ExecuteQuery dispatches a SELECT statement and returns the composed
// Result.
func (r *Router) ExecuteQuery(ctx context.Context, stmt *statement.Statement, maxRows int64, scrollable bool) (result.Result, error) {
	if stmt.Kind() != statement.Select {
		return nil, errInvalidUpdateKind(stmt.Kind())
	}
	var res result.Result
	err := r.observe(metrics.VerbSelect, func() error {
		var err error
		res, err = r.dispatchSelect(ctx, stmt, maxRows, scrollable)
		return err
	})
	return res, err
}

func verbFor(k statement.Kind) metrics.Verb {
	switch k {
	case statement.Define:
		return metrics.VerbDDL
	case statement.Insert, statement.Merge:
		return metrics.VerbInsert
	default:
		return metrics.VerbUpdate
	}
}

// liveTargets filters eps down to currently live endpoints.
func (r *Router) liveTargets(eps []cluster.Endpoint) []cluster.Endpoint {
	out := make([]cluster.Endpoint, 0, len(eps))
	for _, ep := range eps {
		if ep == r.self || r.membership.IsAlive(ep) {
			out = append(out, ep)
		}
	}
	return out
}

// pickOne deterministically returns the sole element of a
// single-element slice, or a cluster-RNG choice among several.
func pickOne(eps []cluster.Endpoint) cluster.Endpoint {
	if len(eps) == 1 {
		return eps[0]
	}
	return randsrc.Pick(eps)
}

func dedupe(eps []cluster.Endpoint) []cluster.Endpoint {
	seen := make(map[cluster.Endpoint]bool, len(eps))
	out := make([]cluster.Endpoint, 0, len(eps))
	for _, ep := range eps {
		if !seen[ep] {
			seen[ep] = true
			out = append(out, ep)
		}
	}
	return out
}

func containsEndpoint(eps []cluster.Endpoint, target cluster.Endpoint) bool {
	for _, ep := range eps {
		if ep == target {
			return true
		}
	}
	return false
}

// forwardUpdate runs sql on peer url on behalf of sess, propagating
// sess's distributed transaction onto the peer dispatch, running the
// command to completion and closing it.
func (r *Router) forwardUpdate(ctx context.Context, sess *session.Session, url, sql string) (int64, error) {
	if r.metrics != nil {
		r.metrics.AddPeerBytesSent(uint64(len(sql)))
	}
	return r.pool.ExecuteUpdateOn(ctx, sess.ID(), url, sql, sess.Transaction(), r.fetchSize, r.serverCachedObjects)
}

// forwardQuery runs sql on peer url and returns its Result, propagating
// sess's distributed transaction onto the peer dispatch.
func (r *Router) forwardQuery(ctx context.Context, sess *session.Session, url, sql string, maxRows int64, scrollable bool) (result.Result, error) {
	if r.metrics != nil {
		r.metrics.AddPeerBytesSent(uint64(len(sql)))
	}
	return r.pool.ExecuteQueryOn(ctx, sess.ID(), url, sql, sess.Transaction(), r.fetchSize, r.serverCachedObjects, maxRows, scrollable)
}

func errInvalidUpdateKind(k statement.Kind) error {
	return dberr.ProtocolError("router: statement kind " + k.String() + " is not valid for this dispatch")
}

func errNoLiveTargetForInsert() error {
	return dberr.NoLiveReplica()
}
