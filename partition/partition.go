// Package partition implements the Partition Resolver: extracting a
// partition key from a statement's top filter, hashing it to a token,
// and looking up the natural and pending endpoints that own it.
package partition

import (
	"database/sql/driver"

	"github.com/google/uuid"

	"github.com/distcore/router/cluster"
	"github.com/distcore/router/internal/wire"
	"github.com/distcore/router/row"
)

// Filter is the minimal shape the resolver needs from a statement's top
// filter: whether it pins the partition column to a single literal, and
// that literal's value. Grounded on the spec's "if the filter yields a
// single partition key literal" wording — a statement's real WHERE-tree
// walk is the SQL engine's job (an external collaborator); this project
// only needs the yes/no-equal-to-one-value shape of it.
type Filter interface {
	// EqualKey returns the single literal the filter pins the partition
	// key to, and true, or (nil, false) if the filter does not resolve
	// to exactly one literal.
	EqualKey() (driver.Value, bool)
}

// Resolver maps a Filter to the set of endpoints owning its partition
// key, consulting a Partitioner, Replication, and TokenMetadata.
type Resolver struct {
	schema      cluster.SchemaRef
	partitioner cluster.Partitioner
	replication cluster.Replication
	tokens      cluster.TokenMetadata
}

// New creates a Resolver scoped to schema.
func New(schema cluster.SchemaRef, partitioner cluster.Partitioner, replication cluster.Replication, tokens cluster.TokenMetadata) *Resolver {
	return &Resolver{schema: schema, partitioner: partitioner, replication: replication, tokens: tokens}
}

// TargetsIfEqual returns the natural-then-pending endpoints owning
// filter's partition key, and true, or (nil, false) if filter does not
// resolve to a single literal. Natural endpoints are listed first;
// duplicates between natural and pending are permitted (operationally
// rare, and harmless — the row-routing bucketing step dedupes per-row
// per-endpoint downstream).
func (r *Resolver) TargetsIfEqual(filter Filter) ([]cluster.Endpoint, bool) {
	key, ok := filter.EqualKey()
	if !ok {
		return nil, false
	}
	keyBytes, err := wire.EncodeKey(key)
	if err != nil {
		return nil, false
	}
	token := r.partitioner.GetToken(keyBytes)
	natural := r.replication.NaturalEndpoints(r.schema, token)
	pending := r.tokens.PendingEndpointsFor(token, r.schema.FullName)

	out := make([]cluster.Endpoint, 0, len(natural)+len(pending))
	out = append(out, natural...)
	out = append(out, pending...)
	return out, true
}

// TokenFor is a convenience for callers (the row-routing path of
// INSERT/MERGE dispatch) that already have a key and just need its
// token without the EqualKey/Filter indirection.
func (r *Resolver) TokenFor(key driver.Value) (cluster.Token, error) {
	keyBytes, err := wire.EncodeKey(key)
	if err != nil {
		return cluster.Token{}, err
	}
	return r.partitioner.GetToken(keyBytes), nil
}

// EndpointsFor returns the natural-then-pending endpoints owning token,
// used once a row's key has already been hashed.
func (r *Resolver) EndpointsFor(token cluster.Token) []cluster.Endpoint {
	natural := r.replication.NaturalEndpoints(r.schema, token)
	pending := r.tokens.PendingEndpointsFor(token, r.schema.FullName)
	out := make([]cluster.Endpoint, 0, len(natural)+len(pending))
	out = append(out, natural...)
	out = append(out, pending...)
	return out
}

// RowKey returns key unchanged, or a freshly generated UUID value if
// key is nil — the spec's "a null rowKey at route time is replaced by
// a freshly generated UUID value" substitution, which must happen
// before the key is hashed so the generated key is what gets stored.
func RowKey(key driver.Value) driver.Value {
	if key != nil {
		return key
	}
	return uuid.New().String()
}

// AssignKeys returns a copy of rows with every nil RowKey replaced by a
// freshly generated UUID, ready for the caller to hash each row's key
// via TokenFor/EndpointsFor.
func AssignKeys(rows []row.Row) []row.Row {
	out := make([]row.Row, len(rows))
	for i, r := range rows {
		out[i] = r
		out[i].RowKey = RowKey(r.RowKey)
	}
	return out
}
