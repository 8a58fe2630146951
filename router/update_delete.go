package router

import (
	"context"

	"github.com/distcore/router/cluster"
	"github.com/distcore/router/parallel"
	"github.com/distcore/router/session"
	"github.com/distcore/router/statement"
)

// dispatchUpdateDelete implements §4.8's UPDATE/DELETE dispatch: local
// execution if local; otherwise try the partition resolver on the
// statement's top filter and dispatch to exactly that endpoint set,
// falling back to a broadcast when the filter doesn't resolve to a
// single partition key.
func (r *Router) dispatchUpdateDelete(ctx context.Context, stmt *statement.Statement) (int64, error) {
	if stmt.IsLocal() {
		return stmt.UpdateLocal(ctx)
	}

	sess := stmt.Session()
	targets, resolved := r.resolver.TargetsIfEqual(stmt.TopFilter())
	if resolved {
		live := r.liveTargets(dedupe(targets))
		if len(live) == 0 {
			return 0, errNoLiveTargetForInsert()
		}
		return r.dispatchToTargets(ctx, stmt, sess, live)
	}

	// unresolved: broadcast to every live member.
	live := r.liveTargets(r.membership.LiveMembers())
	return r.dispatchToTargets(ctx, stmt, sess, live)
}

func (r *Router) dispatchToTargets(ctx context.Context, stmt *statement.Statement, sess *session.Session, targets []cluster.Endpoint) (int64, error) {
	var callables []parallel.UpdateCallable
	for _, ep := range targets {
		if ep == r.self {
			callables = append(callables, func(ctx context.Context) (int64, error) { return stmt.UpdateLocal(ctx) })
			continue
		}
		ep := ep
		callables = append(callables, func(ctx context.Context) (int64, error) {
			return r.forwardUpdate(ctx, sess, ep.String(), stmt.SQL())
		})
	}
	if len(callables) == 0 {
		return 0, nil
	}
	return parallel.ExecuteUpdateCallable(ctx, callables)
}
