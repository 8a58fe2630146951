package router

import (
	"context"
	"database/sql/driver"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distcore/router/cluster"
	"github.com/distcore/router/metrics"
	"github.com/distcore/router/param"
	"github.com/distcore/router/partition"
	"github.com/distcore/router/result"
	"github.com/distcore/router/row"
	"github.com/distcore/router/session"
	"github.com/distcore/router/statement"
)

// fakePeerClient stands in for *peer.Pool: it runs forwarded SQL
// against a map of per-endpoint fake engines, so router tests exercise
// the dispatch logic without a real wire connection.
type fakePeerClient struct {
	mu       sync.Mutex
	engines  map[string]*fakeEngine
	updates  []forwardedUpdate
	queries  []forwardedQuery
	failURLs map[string]bool
}

type forwardedUpdate struct {
	originID, url, sql string
	tx                 *session.Transaction
}

type forwardedQuery struct {
	originID, url, sql string
	tx                 *session.Transaction
}

func newFakePeerClient() *fakePeerClient {
	return &fakePeerClient{engines: map[string]*fakeEngine{}, failURLs: map[string]bool{}}
}

func (f *fakePeerClient) withEngine(url string, e *fakeEngine) *fakePeerClient {
	f.engines[url] = e
	return f
}

func (f *fakePeerClient) ExecuteUpdateOn(ctx context.Context, originID, url, sql string, tx *session.Transaction, fetchSize, serverCachedObjects int64) (int64, error) {
	f.mu.Lock()
	f.updates = append(f.updates, forwardedUpdate{originID, url, sql, tx})
	fail := f.failURLs[url]
	e := f.engines[url]
	f.mu.Unlock()
	if fail {
		return 0, assert.AnError
	}
	if e == nil {
		return 0, nil
	}
	n, err := e.UpdateLocal(ctx, sql, nil)
	return n, err
}

func (f *fakePeerClient) ExecuteQueryOn(ctx context.Context, originID, url, sql string, tx *session.Transaction, fetchSize, serverCachedObjects, maxRows int64, scrollable bool) (result.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, forwardedQuery{originID, url, sql, tx})
	e := f.engines[url]
	f.mu.Unlock()
	if e == nil {
		return result.NewLocal(0, nil), nil
	}
	return e.QueryLocal(ctx, sql, nil, maxRows)
}

// fakeEngine is statement.Engine plus a recording UpdateLocal so both
// statement tests and router tests can share the shape.
type fakeEngine struct {
	mu              sync.Mutex
	updateCount     int64
	updateErr       error
	rows            []row.Row
	gotSQL          []string
	reducerBuilder  func(stmt, reducerStmt *statement.Statement) result.Reducer
	reducerStmtSeen []*statement.Statement
}

func (e *fakeEngine) UpdateLocal(ctx context.Context, sql string, params []*param.Parameter) (int64, error) {
	e.mu.Lock()
	e.gotSQL = append(e.gotSQL, sql)
	e.mu.Unlock()
	if e.updateErr != nil {
		return 0, e.updateErr
	}
	return e.updateCount, nil
}

func (e *fakeEngine) QueryLocal(ctx context.Context, sql string, params []*param.Parameter, maxRows int64) (result.Result, error) {
	e.mu.Lock()
	e.gotSQL = append(e.gotSQL, sql)
	e.mu.Unlock()
	return result.NewLocal(1, e.rows), nil
}

func (e *fakeEngine) PlanSQLForRows(sql string, rows []row.Row) string { return sql }

func (e *fakeEngine) OrderByLess(stmt *statement.Statement) result.Less {
	return func(a, b row.Row) bool { return false }
}

func (e *fakeEngine) NewReducer(stmt, reducerStmt *statement.Statement) result.Reducer {
	e.mu.Lock()
	e.reducerStmtSeen = append(e.reducerStmtSeen, reducerStmt)
	e.mu.Unlock()
	if e.reducerBuilder == nil {
		return nil
	}
	return e.reducerBuilder(stmt, reducerStmt)
}

// countingReducer is a minimal result.Reducer: it counts the rows fed
// to it and, on Finish, returns exactly that many empty rows.
type countingReducer struct {
	count int
}

func (r *countingReducer) Feed(row.Row) error {
	r.count++
	return nil
}

func (r *countingReducer) Finish() (result.Result, error) {
	rows := make([]row.Row, r.count)
	return result.NewLocal(1, rows), nil
}

// equalFilter is a fixed-value partition.Filter for tests.
type equalFilter struct {
	key driver.Value
	ok  bool
}

func (f equalFilter) EqualKey() (driver.Value, bool) { return f.key, f.ok }

func newSession(id string) *session.Session { return session.New(id, nil, nil) }

func selfEndpoint() cluster.Endpoint  { return cluster.NewEndpoint("node1:5000") }
func peerEndpoint() cluster.Endpoint  { return cluster.NewEndpoint("node2:5000") }
func peer3Endpoint() cluster.Endpoint { return cluster.NewEndpoint("node3:5000") }

func newTestResolver(fake *cluster.Fake) *partition.Resolver {
	return partition.New(cluster.SchemaRef{FullName: "t"}, cluster.NewXXHashPartitioner(), fake, fake)
}

func TestDispatchDDLRunsLocallyWhenStatementIsLocal(t *testing.T) {
	self := selfEndpoint()
	fake := cluster.NewFake(self)
	fake.SetSeeds(self)
	engine := &fakeEngine{updateCount: 1}
	r := New(self, fake, fake, newTestResolver(fake), newFakePeerClient(), 100, 16, nil)

	sess := newSession("s1")
	stmt := statement.New(statement.Define, "create table t", sess, engine)
	stmt.SetLocal(true)

	n, err := r.ExecuteUpdate(context.Background(), stmt)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDispatchDDLForwardsToSeedWhenNotSelf(t *testing.T) {
	self := selfEndpoint()
	peer := peerEndpoint()
	fake := cluster.NewFake(self)
	fake.AddMember(peer, "dc1")
	fake.SetSeeds(peer)

	pc := newFakePeerClient().withEngine(peer.String(), &fakeEngine{updateCount: 5})
	r := New(self, fake, fake, newTestResolver(fake), pc, 100, 16, nil)

	sess := newSession("s1")
	stmt := statement.New(statement.Define, "create table t", sess, &fakeEngine{})

	n, err := r.ExecuteUpdate(context.Background(), stmt)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
	require.Len(t, pc.updates, 1)
	assert.Equal(t, peer.String(), pc.updates[0].url)
}

func TestDispatchDDLAsSeedRunsLocalAndEveryPeer(t *testing.T) {
	self := selfEndpoint()
	p2 := peerEndpoint()
	p3 := peer3Endpoint()
	fake := cluster.NewFake(self)
	fake.AddMember(p2, "dc1")
	fake.AddMember(p3, "dc2")
	fake.SetSeeds(self)

	pc := newFakePeerClient().
		withEngine(p2.String(), &fakeEngine{updateCount: 1}).
		withEngine(p3.String(), &fakeEngine{updateCount: 1})
	r := New(self, fake, fake, newTestResolver(fake), pc, 100, 16, nil)

	sess := newSession("s1")
	localEngine := &fakeEngine{updateCount: 1}
	stmt := statement.New(statement.Define, "create table t", sess, localEngine)

	n, err := r.ExecuteUpdate(context.Background(), stmt)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.False(t, sess.IsDDLSerialized())
}

func TestDispatchDDLNoLiveSeedErrors(t *testing.T) {
	self := selfEndpoint()
	fake := cluster.NewFake(self)
	fake.SetSeeds(peerEndpoint())
	r := New(self, fake, fake, newTestResolver(fake), newFakePeerClient(), 100, 16, nil)

	sess := newSession("s1")
	stmt := statement.New(statement.Define, "create table t", sess, &fakeEngine{})
	_, err := r.ExecuteUpdate(context.Background(), stmt)
	require.Error(t, err)
}

func TestDispatchUpdateDeleteResolvesToSingleLiveTarget(t *testing.T) {
	self := selfEndpoint()
	p2 := peerEndpoint()
	fake := cluster.NewFake(self)
	fake.AddMember(p2, "dc1")

	tok, err := newTestResolver(fake).TokenFor(int64(42))
	require.NoError(t, err)
	fake.SetNatural(tok, p2)

	pc := newFakePeerClient().withEngine(p2.String(), &fakeEngine{updateCount: 9})
	r := New(self, fake, fake, newTestResolver(fake), pc, 100, 16, nil)

	sess := newSession("s1")
	stmt := statement.New(statement.Update, "update t set v=1 where k=?", sess, &fakeEngine{})
	stmt.SetTopFilter(equalFilter{key: int64(42), ok: true})

	n, err := r.ExecuteUpdate(context.Background(), stmt)
	require.NoError(t, err)
	assert.EqualValues(t, 9, n)
	require.Len(t, pc.updates, 1)
	assert.Equal(t, p2.String(), pc.updates[0].url)
}

func TestDispatchUpdateDeletePropagatesOriginTransactionToPeer(t *testing.T) {
	self := selfEndpoint()
	p2 := peerEndpoint()
	fake := cluster.NewFake(self)
	fake.AddMember(p2, "dc1")

	tok, err := newTestResolver(fake).TokenFor(int64(42))
	require.NoError(t, err)
	fake.SetNatural(tok, p2)

	pc := newFakePeerClient().withEngine(p2.String(), &fakeEngine{updateCount: 9})
	r := New(self, fake, fake, newTestResolver(fake), pc, 100, 16, nil)

	sess := newSession("s1")
	tx := &session.Transaction{}
	sess.SetTransaction(tx)
	stmt := statement.New(statement.Update, "update t set v=1 where k=?", sess, &fakeEngine{})
	stmt.SetTopFilter(equalFilter{key: int64(42), ok: true})

	_, err = r.ExecuteUpdate(context.Background(), stmt)
	require.NoError(t, err)
	require.Len(t, pc.updates, 1)
	assert.Same(t, tx, pc.updates[0].tx)
}

func TestDispatchUpdateDeleteRunsLocallyWhenResolvedToSelf(t *testing.T) {
	self := selfEndpoint()
	fake := cluster.NewFake(self)

	tok, err := newTestResolver(fake).TokenFor(int64(1))
	require.NoError(t, err)
	fake.SetNatural(tok, self)

	localEngine := &fakeEngine{updateCount: 2}
	r := New(self, fake, fake, newTestResolver(fake), newFakePeerClient(), 100, 16, nil)

	sess := newSession("s1")
	stmt := statement.New(statement.Delete, "delete from t where k=?", sess, localEngine)
	stmt.SetTopFilter(equalFilter{key: int64(1), ok: true})

	n, err := r.ExecuteUpdate(context.Background(), stmt)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestDispatchUpdateDeleteBroadcastsWhenUnresolved(t *testing.T) {
	self := selfEndpoint()
	p2 := peerEndpoint()
	fake := cluster.NewFake(self)
	fake.AddMember(p2, "dc1")

	pc := newFakePeerClient().withEngine(p2.String(), &fakeEngine{updateCount: 3})
	r := New(self, fake, fake, newTestResolver(fake), pc, 100, 16, nil)

	sess := newSession("s1")
	localEngine := &fakeEngine{updateCount: 4}
	stmt := statement.New(statement.Update, "update t set v=1", sess, localEngine)
	stmt.SetTopFilter(equalFilter{ok: false})

	n, err := r.ExecuteUpdate(context.Background(), stmt)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
}

func TestDispatchRowRoutingBucketsBySelfAndDatacenter(t *testing.T) {
	self := selfEndpoint()
	localDC := peerEndpoint()
	remoteDC := peer3Endpoint()
	fake := cluster.NewFake(self)
	fake.AddMember(localDC, "dc1")
	fake.AddMember(remoteDC, "dc2")

	resolver := newTestResolver(fake)

	// Route three distinct keys: one to self, one to the local-DC peer,
	// one to the remote-DC peer.
	tokSelf, _ := resolver.TokenFor(int64(1))
	tokLocal, _ := resolver.TokenFor(int64(2))
	tokRemote, _ := resolver.TokenFor(int64(3))
	fake.SetNatural(tokSelf, self)
	fake.SetNatural(tokLocal, localDC)
	fake.SetNatural(tokRemote, remoteDC)

	pc := newFakePeerClient().
		withEngine(localDC.String(), &fakeEngine{updateCount: 1}).
		withEngine(remoteDC.String(), &fakeEngine{updateCount: 1})
	localEngine := &fakeEngine{updateCount: 1}
	r := New(self, fake, fake, resolver, pc, 100, 16, nil)

	sess := newSession("s1")
	stmt := statement.New(statement.Insert, "insert into t values (?, ?)", sess, localEngine)
	stmt.SetRows([]row.Row{
		{RowKey: int64(1)},
		{RowKey: int64(2)},
		{RowKey: int64(3)},
	})

	n, err := r.ExecuteUpdate(context.Background(), stmt)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Len(t, localEngine.gotSQL, 1)
	require.Len(t, pc.updates, 2)
}

func TestDispatchRowRoutingSkipsDeadTargets(t *testing.T) {
	self := selfEndpoint()
	dead := peerEndpoint()
	fake := cluster.NewFake(self)
	fake.AddMember(dead, "dc1")
	fake.SetAlive(dead, false)

	resolver := newTestResolver(fake)
	tok, _ := resolver.TokenFor(int64(7))
	fake.SetNatural(tok, dead)

	pc := newFakePeerClient()
	r := New(self, fake, fake, resolver, pc, 100, 16, nil)

	sess := newSession("s1")
	stmt := statement.New(statement.Insert, "insert into t values (?)", sess, &fakeEngine{})
	stmt.SetRows([]row.Row{{RowKey: int64(7)}})

	n, err := r.ExecuteUpdate(context.Background(), stmt)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
	assert.Empty(t, pc.updates)
}

func TestDispatchInsertFromQueryResolvesAndRunsLocally(t *testing.T) {
	self := selfEndpoint()
	fake := cluster.NewFake(self)
	resolver := newTestResolver(fake)
	tok, _ := resolver.TokenFor(int64(5))
	fake.SetNatural(tok, self)

	localEngine := &fakeEngine{updateCount: 11}
	r := New(self, fake, fake, resolver, newFakePeerClient(), 100, 16, nil)

	sess := newSession("s1")
	stmt := statement.New(statement.Insert, "insert into t select * from s where k=?", sess, localEngine)
	stmt.SetFromQuery(true)
	stmt.SetSubQueryFilter(equalFilter{key: int64(5), ok: true})

	n, err := r.ExecuteUpdate(context.Background(), stmt)
	require.NoError(t, err)
	assert.EqualValues(t, 11, n)
}

func TestDispatchInsertFromQueryBroadcastsWhenUnresolved(t *testing.T) {
	self := selfEndpoint()
	p2 := peerEndpoint()
	fake := cluster.NewFake(self)
	fake.AddMember(p2, "dc1")

	pc := newFakePeerClient().withEngine(p2.String(), &fakeEngine{updateCount: 2})
	localEngine := &fakeEngine{updateCount: 3}
	r := New(self, fake, fake, newTestResolver(fake), pc, 100, 16, nil)

	sess := newSession("s1")
	stmt := statement.New(statement.Insert, "insert into t select * from s", sess, localEngine)
	stmt.SetFromQuery(true)
	stmt.SetSubQueryFilter(equalFilter{ok: false})

	n, err := r.ExecuteUpdate(context.Background(), stmt)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}

func TestDispatchSelectRunsLocallyWhenResolvedToSelf(t *testing.T) {
	self := selfEndpoint()
	fake := cluster.NewFake(self)
	resolver := newTestResolver(fake)
	tok, _ := resolver.TokenFor(int64(1))
	fake.SetNatural(tok, self)

	engine := &fakeEngine{rows: []row.Row{{RowKey: int64(1)}}}
	r := New(self, fake, fake, resolver, newFakePeerClient(), 100, 16, nil)

	sess := newSession("s1")
	stmt := statement.New(statement.Select, "select * from t where k=?", sess, engine)
	stmt.SetTopFilter(equalFilter{key: int64(1), ok: true})

	res, err := r.ExecuteQuery(context.Background(), stmt, 100, false)
	require.NoError(t, err)
	rr, err := res.Next()
	require.NoError(t, err)
	require.NotNil(t, rr)
}

func TestDispatchSelectUnresolvedSerializesNonGroupResults(t *testing.T) {
	self := selfEndpoint()
	p2 := peerEndpoint()
	fake := cluster.NewFake(self)
	fake.AddMember(p2, "dc1")

	localEngine := &fakeEngine{rows: []row.Row{{RowKey: int64(1)}}}
	pc := newFakePeerClient().withEngine(p2.String(), &fakeEngine{rows: []row.Row{{RowKey: int64(2)}}})
	r := New(self, fake, fake, newTestResolver(fake), pc, 100, 16, nil)

	sess := newSession("s1")
	stmt := statement.New(statement.Select, "select * from t", sess, localEngine)

	res, err := r.ExecuteQuery(context.Background(), stmt, 100, false)
	require.NoError(t, err)

	var got int
	for {
		rr, err := res.Next()
		require.NoError(t, err)
		if rr == nil {
			break
		}
		got++
	}
	assert.Equal(t, 2, got)
}

func TestDispatchSelectUnresolvedSortsOrderByResults(t *testing.T) {
	self := selfEndpoint()
	p2 := peerEndpoint()
	fake := cluster.NewFake(self)
	fake.AddMember(p2, "dc1")

	localEngine := &fakeEngine{rows: []row.Row{{RowKey: int64(1)}}}
	pc := newFakePeerClient().withEngine(p2.String(), &fakeEngine{rows: []row.Row{{RowKey: int64(2)}}})
	r := New(self, fake, fake, newTestResolver(fake), pc, 100, 16, nil)

	sess := newSession("s1")
	stmt := statement.New(statement.Select, "select * from t order by k", sess, localEngine)
	stmt.SetShape(false, true, false)

	res, err := r.ExecuteQuery(context.Background(), stmt, 100, false)
	require.NoError(t, err)

	var got int
	for {
		rr, err := res.Next()
		require.NoError(t, err)
		if rr == nil {
			break
		}
		got++
	}
	assert.Equal(t, 2, got)
}

func TestDispatchSelectUnresolvedGroupByReusesCachedReducerStatement(t *testing.T) {
	self := selfEndpoint()
	p2 := peerEndpoint()
	fake := cluster.NewFake(self)
	fake.AddMember(p2, "dc1")

	localEngine := &fakeEngine{
		rows:           []row.Row{{RowKey: int64(1)}},
		reducerBuilder: func(stmt, reducerStmt *statement.Statement) result.Reducer { return &countingReducer{} },
	}
	pc := newFakePeerClient().withEngine(p2.String(), &fakeEngine{rows: []row.Row{{RowKey: int64(2)}}})
	r := New(self, fake, fake, newTestResolver(fake), pc, 100, 16, nil)

	sess := newSession("s1")
	run := func() {
		stmt := statement.New(statement.Select, "select k, sum(v) from t group by k", sess, localEngine)
		stmt.SetShape(true, false, false)
		stmt.SetPlanSQL("select k, sum(v) from t group by k", "select sum(s) from (...)")

		res, err := r.ExecuteQuery(context.Background(), stmt, 100, false)
		require.NoError(t, err)
		var got int
		for {
			rr, err := res.Next()
			require.NoError(t, err)
			if rr == nil {
				break
			}
			got++
		}
		assert.Equal(t, 2, got)
	}

	run()
	run()

	require.Len(t, localEngine.reducerStmtSeen, 2)
	assert.Same(t, localEngine.reducerStmtSeen[0], localEngine.reducerStmtSeen[1])
}

func TestVerbForMapsKinds(t *testing.T) {
	assert.Equal(t, "ddl", verbFor(statement.Define).String())
	assert.Equal(t, "insert", verbFor(statement.Insert).String())
	assert.Equal(t, "update", verbFor(statement.Update).String())
}

func TestDispatchUpdateDeletePropagatesForwardError(t *testing.T) {
	self := selfEndpoint()
	p2 := peerEndpoint()
	fake := cluster.NewFake(self)
	fake.AddMember(p2, "dc1")

	resolver := newTestResolver(fake)
	tok, err := resolver.TokenFor(int64(1))
	require.NoError(t, err)
	fake.SetNatural(tok, p2)

	pc := newFakePeerClient()
	pc.failURLs[p2.String()] = true
	r := New(self, fake, fake, resolver, pc, 100, 16, nil)

	sess := newSession("s1")
	stmt := statement.New(statement.Update, "update t set v=1 where k=?", sess, &fakeEngine{})
	stmt.SetTopFilter(equalFilter{key: int64(1), ok: true})

	_, err = r.ExecuteUpdate(context.Background(), stmt)
	require.Error(t, err)
}

func TestDispatchRecordsMetrics(t *testing.T) {
	self := selfEndpoint()
	p2 := peerEndpoint()
	fake := cluster.NewFake(self)
	fake.AddMember(p2, "dc1")

	resolver := newTestResolver(fake)
	tok, err := resolver.TokenFor(int64(1))
	require.NoError(t, err)
	fake.SetNatural(tok, p2)

	pc := newFakePeerClient().withEngine(p2.String(), &fakeEngine{updateCount: 1})
	collector := metrics.NewCollector()
	defer collector.Close()
	r := New(self, fake, fake, resolver, pc, 100, 16, collector)

	sess := newSession("s1")
	stmt := statement.New(statement.Update, "update t set v=1 where k=?", sess, &fakeEngine{})
	stmt.SetTopFilter(equalFilter{key: int64(1), ok: true})

	_, err = r.ExecuteUpdate(context.Background(), stmt)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := collector.Stats()
		return s.PeerBytesSent > 0 && s.Times[metrics.VerbUpdate].Count == 1
	}, time.Second, time.Millisecond)
}

func TestDispatchRowRoutingRecordsRowsRoutedMetric(t *testing.T) {
	self := selfEndpoint()
	fakeCluster := cluster.NewFake(self)
	resolver := newTestResolver(fakeCluster)

	tok, _ := resolver.TokenFor(int64(1))
	fakeCluster.SetNatural(tok, self)

	collector := metrics.NewCollector()
	defer collector.Close()
	r := New(self, fakeCluster, fakeCluster, resolver, newFakePeerClient(), 100, 16, collector)

	sess := newSession("s1")
	localEngine := &fakeEngine{updateCount: 1}
	stmt := statement.New(statement.Insert, "insert into t values (?)", sess, localEngine)
	stmt.SetRows([]row.Row{{RowKey: int64(1)}})

	_, err := r.ExecuteUpdate(context.Background(), stmt)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return collector.Stats().RowsRouted == 1
	}, time.Second, time.Millisecond)
}

func TestExecuteUpdateRejectsSelectKind(t *testing.T) {
	self := selfEndpoint()
	fake := cluster.NewFake(self)
	r := New(self, fake, fake, newTestResolver(fake), newFakePeerClient(), 100, 16, nil)
	sess := newSession("s1")
	stmt := statement.New(statement.Select, "select 1", sess, &fakeEngine{})
	_, err := r.ExecuteUpdate(context.Background(), stmt)
	require.Error(t, err)
}
