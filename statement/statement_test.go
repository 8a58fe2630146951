package statement

import (
	"context"
	"database/sql/driver"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distcore/router/param"
	"github.com/distcore/router/result"
	"github.com/distcore/router/row"
)

type fakeEngine struct {
	updateCount int64
	rows        []row.Row
	gotSQL      string
	gotParams   []*param.Parameter
}

func (e *fakeEngine) UpdateLocal(ctx context.Context, sql string, params []*param.Parameter) (int64, error) {
	e.gotSQL = sql
	e.gotParams = params
	return e.updateCount, nil
}

func (e *fakeEngine) QueryLocal(ctx context.Context, sql string, params []*param.Parameter, maxRows int64) (result.Result, error) {
	e.gotSQL = sql
	return result.NewLocal(1, e.rows), nil
}

func (e *fakeEngine) PlanSQLForRows(sql string, rows []row.Row) string { return sql }

func (e *fakeEngine) OrderByLess(stmt *Statement) result.Less {
	return func(a, b row.Row) bool { return false }
}

func (e *fakeEngine) NewReducer(stmt, reducerStmt *Statement) result.Reducer { return nil }

type equalFilter struct {
	key driver.Value
}

func (f equalFilter) EqualKey() (driver.Value, bool) { return f.key, true }

func TestUpdateLocalDelegatesToEngine(t *testing.T) {
	engine := &fakeEngine{updateCount: 7}
	s := New(Update, "update t set v=1 where k=?", nil, engine)
	p := param.New(1, param.Meta{DataType: param.DTInt64})
	require.NoError(t, p.SetValue(int64(5), false))
	s.SetParameters([]*param.Parameter{p})

	n, err := s.UpdateLocal(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
	assert.Equal(t, "update t set v=1 where k=?", engine.gotSQL)
	assert.Len(t, engine.gotParams, 1)
}

func TestGetPlanSQLFallsBackWhenNoTransformNeeded(t *testing.T) {
	s := New(Select, "select * from t where k=?", nil, nil)
	assert.Equal(t, s.SQL(), s.GetPlanSQL(true, false))
	assert.Equal(t, s.SQL(), s.GetPlanSQL(false, false))
}

func TestGetPlanSQLUsesTransformedPlanForGroupQueries(t *testing.T) {
	s := New(Select, "select k, sum(v) from t group by k", nil, nil)
	s.SetShape(true, false, false)
	s.SetPlanSQL("select k, sum(v) as sum_v from t group by k", "select k, sum(sum_v) from __reduce__ group by k")

	assert.Equal(t, "select k, sum(v) as sum_v from t group by k", s.GetPlanSQL(true, false))
	assert.Equal(t, s.SQL(), s.GetPlanSQL(false, false))
	assert.Equal(t, "select k, sum(sum_v) from __reduce__ group by k", s.GetPlanSQL(true, true))
}

func TestTopFilterRoundTrip(t *testing.T) {
	s := New(Update, "update t set v=1 where k=?", nil, nil)
	assert.Nil(t, s.TopFilter())
	s.SetTopFilter(equalFilter{key: int64(3)})
	key, ok := s.TopFilter().EqualKey()
	require.True(t, ok)
	assert.Equal(t, int64(3), key)
}

func TestCopyForPlanCopiesParamsPositionallyAndSetsLocal(t *testing.T) {
	orig := New(Select, "select * from t group by k", nil, nil)
	orig.SetFetchSize(50)
	orig.SetShape(true, false, false)
	p1 := param.New(1, param.Meta{DataType: param.DTInt64})
	require.NoError(t, p1.SetValue(int64(9), false))
	orig.SetParameters([]*param.Parameter{p1})

	cp := CopyForPlan(orig, "select k, sum(v) from t group by k")
	assert.True(t, cp.IsLocal())
	assert.EqualValues(t, 50, cp.FetchSize())
	require.Len(t, cp.Parameters(), 1)
	v, ok := cp.Parameters()[0].Value()
	require.True(t, ok)
	assert.Equal(t, int64(9), v)
	assert.NotSame(t, orig.Parameters()[0], cp.Parameters()[0])
}
