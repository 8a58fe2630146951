package router

import (
	"context"

	"github.com/distcore/router/cluster"
	"github.com/distcore/router/parallel"
	"github.com/distcore/router/partition"
	"github.com/distcore/router/row"
	"github.com/distcore/router/statement"
)

// dispatchInsertMerge implements §4.8's INSERT/MERGE dispatch: local
// execution if local; otherwise the insert-from-query path when the
// statement is driven by a sub-query, else row-routing over the
// statement's own row batch.
func (r *Router) dispatchInsertMerge(ctx context.Context, stmt *statement.Statement) (int64, error) {
	if stmt.IsLocal() {
		return stmt.UpdateLocal(ctx)
	}
	if stmt.FromQuery() {
		return r.dispatchInsertFromQuery(ctx, stmt)
	}
	return r.dispatchRowRouting(ctx, stmt)
}

// dispatchInsertFromQuery tries to resolve the embedded sub-query's
// top filter to a single-peer or self target; on resolution failure it
// broadcasts the statement unchanged (local executes directly, remotes
// receive the same SQL with isLocal implicitly flipped since they parse
// it fresh and never recurse into this router).
func (r *Router) dispatchInsertFromQuery(ctx context.Context, stmt *statement.Statement) (int64, error) {
	sess := stmt.Session()
	targets, resolved := r.resolver.TargetsIfEqual(stmt.SubQueryFilter())
	if resolved {
		live := r.liveTargets(dedupe(targets))
		if len(live) == 0 {
			return 0, errNoLiveTargetForInsert()
		}
		if containsEndpoint(live, r.self) {
			return stmt.UpdateLocal(ctx)
		}
		target := pickOne(live)
		return r.forwardUpdate(ctx, sess, target.String(), stmt.SQL())
	}

	// unresolved: broadcast to every live member.
	callables := []parallel.UpdateCallable{
		func(ctx context.Context) (int64, error) { return stmt.UpdateLocal(ctx) },
	}
	for _, member := range r.membership.LiveMembers() {
		if member == r.self {
			continue
		}
		member := member
		callables = append(callables, func(ctx context.Context) (int64, error) {
			return r.forwardUpdate(ctx, sess, member.String(), stmt.SQL())
		})
	}
	return parallel.ExecuteUpdateCallable(ctx, callables)
}

// dispatchRowRouting implements the per-row bucketing half of
// INSERT/MERGE dispatch: every row gets a generated key if it lacks
// one, is hashed to its owning token, and is routed to exactly the
// live natural+pending endpoints for that token, bucketed into self,
// local-DC peers, and remote-DC peers.
func (r *Router) dispatchRowRouting(ctx context.Context, stmt *statement.Statement) (int64, error) {
	sess := stmt.Session()
	rows := stmt.Rows()

	var localRows []row.Row
	localDCRows := map[cluster.Endpoint][]row.Row{}
	remoteDCRows := map[cluster.Endpoint][]row.Row{}

	selfDC := r.snitch.Datacenter(r.self)

	for _, rw := range rows {
		rw.RowKey = partition.RowKey(rw.RowKey)
		token, err := r.resolver.TokenFor(rw.RowKey)
		if err != nil {
			return 0, err
		}
		targets := dedupe(r.resolver.EndpointsFor(token))
		for _, ep := range targets {
			if ep != r.self && !r.membership.IsAlive(ep) {
				continue
			}
			switch {
			case ep == r.self:
				localRows = append(localRows, rw)
			case r.snitch.Datacenter(ep) == selfDC:
				localDCRows[ep] = append(localDCRows[ep], rw)
			default:
				remoteDCRows[ep] = append(remoteDCRows[ep], rw)
			}
		}
	}

	var callables []parallel.UpdateCallable
	if len(localRows) > 0 {
		localRows := localRows
		callables = append(callables, func(ctx context.Context) (int64, error) {
			local := statement.CopyForPlan(stmt, stmt.PlanSQLForRows(localRows))
			return local.UpdateLocal(ctx)
		})
	}
	for ep, bucket := range localDCRows {
		ep, bucket := ep, bucket
		callables = append(callables, func(ctx context.Context) (int64, error) {
			return r.forwardUpdate(ctx, sess, ep.String(), stmt.PlanSQLForRows(bucket))
		})
	}
	for ep, bucket := range remoteDCRows {
		ep, bucket := ep, bucket
		callables = append(callables, func(ctx context.Context) (int64, error) {
			return r.forwardUpdate(ctx, sess, ep.String(), stmt.PlanSQLForRows(bucket))
		})
	}

	if r.metrics != nil {
		r.metrics.AddRowsRouted(uint64(len(rows)))
	}

	if len(callables) == 0 {
		return 0, nil
	}
	return parallel.ExecuteUpdateCallable(ctx, callables)
}
