package router

import (
	"context"

	"github.com/distcore/router/parallel"
	"github.com/distcore/router/result"
	"github.com/distcore/router/statement"
)

// dispatchSelect implements §4.8's SELECT dispatch.
func (r *Router) dispatchSelect(ctx context.Context, stmt *statement.Statement, maxRows int64, scrollable bool) (result.Result, error) {
	if stmt.IsLocal() {
		return stmt.QueryLocal(ctx, maxRows)
	}

	sess := stmt.Session()
	targets, resolved := r.resolver.TargetsIfEqual(stmt.TopFilter())
	if resolved {
		live := r.liveTargets(dedupe(targets))
		if len(live) == 0 {
			return nil, errNoLiveTargetForInsert()
		}
		if containsEndpoint(live, r.self) {
			return stmt.QueryLocal(ctx, maxRows)
		}
		target := pickOne(live)
		return r.forwardQuery(ctx, sess, target.String(), stmt.SQL(), maxRows, scrollable)
	}

	return r.dispatchSelectUnresolved(ctx, stmt, maxRows, scrollable)
}

// dispatchSelectUnresolved fans the select out to every live member and
// composes their results per the non-group/no-order-by vs.
// group-or-order-by split.
func (r *Router) dispatchSelectUnresolved(ctx context.Context, stmt *statement.Statement, maxRows int64, scrollable bool) (result.Result, error) {
	sess := stmt.Session()
	planSQL := stmt.GetPlanSQL(true, false)
	live := r.liveTargets(r.membership.LiveMembers())

	if !stmt.HasGroupBy() && !stmt.HasOrderBy() {
		results := make([]result.Result, 0, len(live))
		for _, ep := range live {
			var res result.Result
			var err error
			if ep == r.self {
				res, err = stmt.QueryLocal(ctx, maxRows)
			} else {
				res, err = r.forwardQuery(ctx, sess, ep.String(), planSQL, maxRows, scrollable)
			}
			if err != nil {
				closeAll(results)
				return nil, err
			}
			results = append(results, res)
		}
		limit := int64(-1)
		if !scrollable {
			limit = maxRows
		}
		return result.NewSerialized(results, limit), nil
	}

	callables := make([]parallel.SelectCallable[result.Result], 0, len(live))
	for _, ep := range live {
		ep := ep
		callables = append(callables, func(ctx context.Context) (result.Result, error) {
			if ep == r.self {
				return queryLocalWithPlan(ctx, stmt, planSQL, maxRows)
			}
			return r.forwardQuery(ctx, sess, ep.String(), planSQL, maxRows, scrollable)
		})
	}
	results, err := parallel.ExecuteSelectCallable(ctx, callables)
	if err != nil {
		return nil, err
	}

	if stmt.HasOrderBy() && !stmt.HasGroupBy() {
		return result.NewSorted(maxRows, results, stmt.OrderByLess())
	}

	reducerSQL := stmt.GetPlanSQL(true, true)
	reducerStmt := r.reducerStmts.getOrBuild(reducerSQL, func() *statement.Statement {
		return statement.CopyForPlan(stmt, reducerSQL)
	})
	reducer := stmt.NewReducer(reducerStmt)
	return result.NewMerged(results, reducer)
}

// queryLocalWithPlan re-prepares stmt's local copy against planSQL when
// the plan differs from the original (group/limit/offset queries), and
// runs it; otherwise runs stmt.QueryLocal directly.
func queryLocalWithPlan(ctx context.Context, stmt *statement.Statement, planSQL string, maxRows int64) (result.Result, error) {
	if planSQL == stmt.SQL() {
		return stmt.QueryLocal(ctx, maxRows)
	}
	local := statement.CopyForPlan(stmt, planSQL)
	return local.QueryLocal(ctx, maxRows)
}

func closeAll(results []result.Result) {
	for _, r := range results {
		_ = r.Close()
	}
}
