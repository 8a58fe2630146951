// Package row defines the single Row shape shared by statements, the
// partition resolver, and the result composers.
package row

import "database/sql/driver"

// Row is one logical row of an INSERT/MERGE batch or a query result.
// RowKey is nil until the router substitutes a generated key for a row
// that arrived without one (see partition.AssignKeys).
type Row struct {
	RowKey  driver.Value
	Columns []driver.Value
}

// Clone returns a shallow copy of r with its own Columns slice so that
// per-peer row buckets do not alias a shared backing array.
func (r Row) Clone() Row {
	cols := make([]driver.Value, len(r.Columns))
	copy(cols, r.Columns)
	return Row{RowKey: r.RowKey, Columns: cols}
}
