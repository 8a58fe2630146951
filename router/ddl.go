package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/distcore/router/internal/dberr"
	"github.com/distcore/router/parallel"
	"github.com/distcore/router/statement"
)

// noopLocker is substituted for the router-wide DDL lock when the
// originating session is already inside a forwarded DDL chain: taking
// the router lock a second time here would deadlock the forwarding
// peer's executor, which is itself blocked holding logically the same
// serialization.
type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// dispatchDDL implements §4.8's DEFINE dispatch: local execution if
// the statement is local; otherwise forward to the first live seed
// unless this node is the seed, in which case run DDL serially across
// the whole live membership.
func (r *Router) dispatchDDL(ctx context.Context, stmt *statement.Statement) (int64, error) {
	if stmt.IsLocal() {
		return stmt.UpdateLocal(ctx)
	}

	seed, ok := r.membership.FirstLiveSeedEndpoint()
	if !ok {
		return 0, dberr.NoLiveSeed()
	}

	sess := stmt.Session()
	if sess == nil {
		return 0, dberr.NilProperties()
	}

	if seed != r.self {
		r.logger.Info("forwarding DDL to seed", slog.String("seed", seed.String()), slog.String("session", sess.ID()))
		n, err := r.forwardUpdate(ctx, sess, seed.String(), stmt.SQL())
		if err != nil {
			r.logger.Warn("DDL forward to seed failed", slog.String("seed", seed.String()), slog.Any("error", err))
		}
		return n, err
	}
	return r.runDDLAsSeed(ctx, stmt)
}

func (r *Router) runDDLAsSeed(ctx context.Context, stmt *statement.Statement) (int64, error) {
	sess := stmt.Session()

	var lock sync.Locker = &r.ddlMu
	if sess.IsDDLSerialized() {
		lock = noopLocker{}
	}
	lock.Lock()
	defer lock.Unlock()

	wasAlreadyMarked := sess.MarkDDLSerialized()
	defer func() {
		if !wasAlreadyMarked {
			sess.ClearDDLSerialized()
		}
	}()

	live := r.membership.LiveMembers()
	r.logger.Info("running DDL as seed", slog.Int("members", len(live)), slog.String("sql", stmt.SQL()))

	callables := []parallel.UpdateCallable{
		func(ctx context.Context) (int64, error) { return stmt.UpdateLocal(ctx) },
	}
	for _, member := range live {
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
