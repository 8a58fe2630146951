// Package statement models the external shape the router dispatches
// on: a tagged Statement variant produced by the SQL parser and local
// execution engine (both out of scope — external collaborators this
// package only depends on through the Engine interface). The router
// never branches on a concrete Go type; it switches on Kind and calls
// the capability methods every variant shares.
package statement

import (
	"context"

	"github.com/distcore/router/param"
	"github.com/distcore/router/partition"
	"github.com/distcore/router/result"
	"github.com/distcore/router/row"
	"github.com/distcore/router/session"
)

// Kind tags which of the six verbs a Statement represents.
type Kind int

const (
	Define Kind = iota
	Insert
	Merge
	Update
	Delete
	Select
)

func (k Kind) String() string {
	switch k {
	case Define:
		return "DEFINE"
	case Insert:
		return "INSERT"
	case Merge:
		return "MERGE"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	case Select:
		return "SELECT"
	default:
		return "UNKNOWN"
	}
}

// Engine is the local SQL execution engine collaborator: it runs a
// statement's SQL directly against this node's data. A real engine
// lives outside this module; tests stand in with a fake.
type Engine interface {
	UpdateLocal(ctx context.Context, sql string, params []*param.Parameter) (int64, error)
	QueryLocal(ctx context.Context, sql string, params []*param.Parameter, maxRows int64) (result.Result, error)

	// PlanSQLForRows renders the INSERT/MERGE text a peer should run for
	// exactly rows, inlining their values into sql's statement shape.
	// Grounded on the spec's iom.getPlanSQL(rows): row-routing dispatch
	// sends each peer only the rows it owns, so the text sent must
	// differ per peer rather than being the original SQL plus a shared
	// parameter list.
	PlanSQLForRows(sql string, rows []row.Row) string

	// OrderByLess returns the comparator a SortedResult merges peer
	// results with, derived from stmt's ORDER BY clause.
	OrderByLess(stmt *Statement) result.Less

	// NewReducer builds the local aggregation finisher a MergedResult
	// feeds peer rows through, prepared from reducerStmt's plan SQL.
	NewReducer(stmt, reducerStmt *Statement) result.Reducer
}

// Statement is the router's view of a parsed SQL statement: the common
// capability set `{isLocal, sql, parameters, fetchSize, session,
// topFilter}` plus the two execution hooks and getPlanSQL.
type Statement struct {
	kind Kind

	isLocal   bool
	sql       string
	fetchSize int64
	params    []*param.Parameter
	sess      *session.Session
	topFilter partition.Filter

	// SELECT-only shape flags that decide plan-SQL transformation and
	// reducer construction in the router's group/order-by dispatch.
	hasGroupBy     bool
	hasOrderBy     bool
	hasLimitOffset bool

	// planSQL is the pre-transformed SQL suitable for partial
	// evaluation on a peer (distributed=true, forReducer=false); empty
	// means the plan is identical to sql. reducerSQL is the local
	// reducer select (distributed=true, forReducer=true); empty means
	// no reducer is applicable (non-group statements).
	planSQL    string
	reducerSQL string

	// INSERT/MERGE-only shape: either rows is non-empty (row-routing
	// dispatch) or fromQuery is true (insert-from-query dispatch);
	// never both for a well-formed statement.
	rows           []row.Row
	fromQuery      bool
	subQueryFilter partition.Filter

	engine Engine
}

// New creates a Statement of the given kind.
func New(kind Kind, sql string, sess *session.Session, engine Engine) *Statement {
	return &Statement{kind: kind, sql: sql, sess: sess, engine: engine}
}

func (s *Statement) Kind() Kind                  { return s.kind }
func (s *Statement) IsLocal() bool               { return s.isLocal }
func (s *Statement) SetLocal(local bool)         { s.isLocal = local }
func (s *Statement) SQL() string                 { return s.sql }
func (s *Statement) FetchSize() int64            { return s.fetchSize }
func (s *Statement) SetFetchSize(n int64)        { s.fetchSize = n }
func (s *Statement) Parameters() []*param.Parameter { return s.params }
func (s *Statement) Session() *session.Session   { return s.sess }
func (s *Statement) TopFilter() partition.Filter { return s.topFilter }

// SetTopFilter installs the filter the partition resolver extracts the
// partition-key equality from. Set by the SQL engine at parse time; a
// DEFINE (DDL) statement never has one.
func (s *Statement) SetTopFilter(f partition.Filter) { s.topFilter = f }

// SetParameters installs the statement's bound parameters, in
// positional order.
func (s *Statement) SetParameters(params []*param.Parameter) { s.params = params }

// SetShape records whether this SELECT has a GROUP BY, an ORDER BY,
// and/or a LIMIT/OFFSET, driving GetPlanSQL's transform decision and
// the router's Sorted-vs-Merged choice. No-op for non-SELECT kinds.
func (s *Statement) SetShape(hasGroupBy, hasOrderBy, hasLimitOffset bool) {
	if s.kind != Select {
		return
	}
	s.hasGroupBy = hasGroupBy
	s.hasOrderBy = hasOrderBy
	s.hasLimitOffset = hasLimitOffset
}

func (s *Statement) HasGroupBy() bool     { return s.hasGroupBy }
func (s *Statement) HasOrderBy() bool     { return s.hasOrderBy }
func (s *Statement) HasLimitOffset() bool { return s.hasLimitOffset }

// SetPlanSQL records the pre-transformed SQL a peer should run for
// partial evaluation, and the local reducer SQL that finishes
// aggregation. Both are produced by the SQL engine (external
// collaborator); this package just carries them.
func (s *Statement) SetPlanSQL(planSQL, reducerSQL string) {
	s.planSQL = planSQL
	s.reducerSQL = reducerSQL
}

// Rows returns the rows this INSERT/MERGE carries for row-routing
// dispatch. Empty for an insert-from-query statement.
func (s *Statement) Rows() []row.Row { return s.rows }

// SetRows installs the rows an INSERT/MERGE carries.
func (s *Statement) SetRows(rows []row.Row) { s.rows = rows }

// FromQuery reports whether this INSERT/MERGE is driven by a
// sub-query rather than an inline row list.
func (s *Statement) FromQuery() bool { return s.fromQuery }

// SetFromQuery marks this INSERT/MERGE as insert-from-query.
func (s *Statement) SetFromQuery(v bool) { s.fromQuery = v }

// SubQueryFilter returns the embedded sub-query's top filter, used by
// the insert-from-query dispatch path to try to resolve a single
// target before falling back to broadcast.
func (s *Statement) SubQueryFilter() partition.Filter { return s.subQueryFilter }

// SetSubQueryFilter installs the embedded sub-query's top filter.
func (s *Statement) SetSubQueryFilter(f partition.Filter) { s.subQueryFilter = f }

// PlanSQLForRows renders the INSERT/MERGE text to send a peer that
// should receive exactly rows.
func (s *Statement) PlanSQLForRows(rows []row.Row) string {
	return s.engine.PlanSQLForRows(s.sql, rows)
}

// GetPlanSQL returns the SQL a target should run. forReducer requests
// the local reducer select that finishes a distributed aggregation
// (e.g. SUM(SUM_i)); otherwise, for a distributed group/limit/offset
// query it returns the transformed partial-evaluation plan, and for
// everything else it returns the original SQL unchanged.
func (s *Statement) GetPlanSQL(distributed bool, forReducer bool) string {
	if forReducer {
		if s.reducerSQL != "" {
			return s.reducerSQL
		}
		return s.sql
	}
	if distributed && (s.hasGroupBy || s.hasLimitOffset) && s.planSQL != "" {
		return s.planSQL
	}
	return s.sql
}

// UpdateLocal runs this statement's SQL through the local execution
// engine and returns the rows affected. Statement is "callable as ()
// → int" per the spec for the local branch of update dispatch; Go
// expresses that as an ordinary method rather than operator overload.
func (s *Statement) UpdateLocal(ctx context.Context) (int64, error) {
	return s.engine.UpdateLocal(ctx, s.sql, s.params)
}

// QueryLocal runs this statement's SQL through the local execution
// engine, capped at maxRows.
func (s *Statement) QueryLocal(ctx context.Context, maxRows int64) (result.Result, error) {
	return s.engine.QueryLocal(ctx, s.sql, s.params, maxRows)
}

// OrderByLess returns the comparator for merging already-sorted peer
// results (the SortedResult composer's N-way merge key).
func (s *Statement) OrderByLess() result.Less { return s.engine.OrderByLess(s) }

// NewReducer builds the local aggregation finisher reducerStmt (a
// CopyForPlan'd local statement running the forReducer plan SQL) feeds
// peer rows through.
func (s *Statement) NewReducer(reducerStmt *Statement) result.Reducer {
	return s.engine.NewReducer(s, reducerStmt)
}

// CopyForPlan builds a fresh local Statement from planSQL, copying
// parameter values positionally from orig and inheriting its fetch
// size. Used by the SELECT dispatch's local re-preparation: when the
// original select has a GROUP BY or a LIMIT/OFFSET, the router cannot
// just flip the original statement local (its SQL targets the
// distributed shape) and instead prepares this copy to run against the
// locally gathered reducer plan.
func CopyForPlan(orig *Statement, planSQL string) *Statement {
	cp := New(orig.kind, planSQL, orig.sess, orig.engine)
	cp.isLocal = true
	cp.fetchSize = orig.fetchSize
	cp.hasGroupBy = orig.hasGroupBy
	cp.hasOrderBy = orig.hasOrderBy
	cp.hasLimitOffset = orig.hasLimitOffset

	params := make([]*param.Parameter, len(orig.params))
	for i, p := range orig.params {
		np := param.New(i+1, p.Meta)
		if v, ok := p.Value(); ok {
			_ = np.SetValue(v, false)
		}
		params[i] = np
	}
	cp.params = params
	return cp
}
