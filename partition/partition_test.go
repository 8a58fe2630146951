package partition

import (
	"database/sql/driver"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distcore/router/cluster"
	"github.com/distcore/router/internal/wire"
	"github.com/distcore/router/row"
)

type literalFilter struct {
	key driver.Value
	ok  bool
}

func (f literalFilter) EqualKey() (driver.Value, bool) { return f.key, f.ok }

func TestTargetsIfEqualResolvesNaturalThenPending(t *testing.T) {
	partitioner := cluster.NewXXHashPartitioner()
	schema := cluster.SchemaRef{FullName: "app.orders"}

	self := cluster.NewEndpoint("10.0.0.1:9000")
	peer := cluster.NewEndpoint("10.0.0.2:9000")
	pendingPeer := cluster.NewEndpoint("10.0.0.3:9000")

	fake := cluster.NewFake(self)
	fake.AddMember(peer, "dc1")
	fake.AddMember(pendingPeer, "dc2")

	keyBytes, err := wire.EncodeKey(int64(42))
	require.NoError(t, err)
	token := partitioner.GetToken(keyBytes)
	fake.SetNatural(token, self, peer)
	fake.SetPending(token, pendingPeer)

	r := New(schema, partitioner, fake, fake)

	eps, ok := r.TargetsIfEqual(literalFilter{key: int64(42), ok: true})
	require.True(t, ok)
	assert.Equal(t, []cluster.Endpoint{self, peer, pendingPeer}, eps)
}

func TestTargetsIfEqualUnresolvedWithoutLiteral(t *testing.T) {
	partitioner := cluster.NewXXHashPartitioner()
	self := cluster.NewEndpoint("10.0.0.1:9000")
	fake := cluster.NewFake(self)
	r := New(cluster.SchemaRef{FullName: "app.orders"}, partitioner, fake, fake)

	_, ok := r.TargetsIfEqual(literalFilter{ok: false})
	assert.False(t, ok)
}

func TestRowKeyGeneratesUUIDOnlyWhenNil(t *testing.T) {
	assert.Equal(t, int64(7), RowKey(int64(7)))

	generated := RowKey(nil)
	require.NotNil(t, generated)
	s, ok := generated.(string)
	require.True(t, ok)
	assert.Len(t, s, 36) // canonical UUID string length

	assert.NotEqual(t, RowKey(nil), RowKey(nil))
}

func TestAssignKeysOnlyGeneratesForNilKeys(t *testing.T) {
	rows := []row.Row{
		{RowKey: int64(1), Columns: []driver.Value{"a"}},
		{RowKey: nil, Columns: []driver.Value{"b"}},
	}
	out := AssignKeys(rows)
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].RowKey)
	assert.NotNil(t, out[1].RowKey)
	assert.Nil(t, rows[1].RowKey, "AssignKeys must not mutate the input slice")
}
