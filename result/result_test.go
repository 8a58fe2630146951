package result

import (
	"database/sql/driver"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distcore/router/row"
)

func rows(vs ...int64) []row.Row {
	out := make([]row.Row, len(vs))
	for i, v := range vs {
		out[i] = row.Row{Columns: []driver.Value{v}}
	}
	return out
}

func drain(t *testing.T, r Result) []row.Row {
	t.Helper()
	var out []row.Row
	for {
		rr, err := r.Next()
		require.NoError(t, err)
		if rr == nil {
			break
		}
		out = append(out, *rr)
	}
	return out
}

func TestSerializedPreservesPeerOrderAndLimit(t *testing.T) {
	a := NewLocal(1, rows(1, 2))
	b := NewLocal(1, rows(3, 4))
	s := NewSerialized([]Result{a, b}, 3)
	got := drain(t, s)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0].Columns[0])
	assert.Equal(t, int64(2), got[1].Columns[0])
	assert.Equal(t, int64(3), got[2].Columns[0])
}

func TestSortedMergesAscending(t *testing.T) {
	a := NewLocal(1, rows(1, 4, 9))
	b := NewLocal(1, rows(2, 3, 8))
	less := func(x, y row.Row) bool { return x.Columns[0].(int64) < y.Columns[0].(int64) }
	sorted, err := NewSorted(-1, []Result{a, b}, less)
	require.NoError(t, err)
	got := drain(t, sorted)
	want := []int64{1, 2, 3, 4, 8, 9}
	require.Len(t, got, len(want))
	for i, w := range want {
		assert.Equal(t, w, got[i].Columns[0])
	}
}

type sumReducer struct{ total int64 }

func (r *sumReducer) Feed(rr row.Row) error {
	r.total += rr.Columns[0].(int64)
	return nil
}

func (r *sumReducer) Finish() (Result, error) {
	return NewLocal(1, []row.Row{{Columns: []driver.Value{r.total}}}), nil
}

func TestMergedFeedsReducer(t *testing.T) {
	a := NewLocal(1, rows(10, 20))
	b := NewLocal(1, rows(5))
	m, err := NewMerged([]Result{a, b}, &sumReducer{})
	require.NoError(t, err)
	got := drain(t, m)
	require.Len(t, got, 1)
	assert.Equal(t, int64(35), got[0].Columns[0])
}
