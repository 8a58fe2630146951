package result

import "github.com/distcore/router/row"

// Reducer is the local execution engine's side of a MergedResult: it
// accepts the union of every peer's partial rows and produces the final
// aggregated, ordered, limited rows — e.g. a locally-prepared
// "SELECT SUM(SUM_i), SUM(COUNT_i) FROM (...)" reducer select that
// finishes per-peer partial aggregates.
type Reducer interface {
	Feed(r row.Row) error
	Finish() (Result, error)
}

// Merged feeds every row of every per-peer Result into a Reducer and
// exposes the reducer's finished output as a Result. It is used for
// GROUP BY selects (and any select needing a second aggregation pass
// peers can't do on their own partial answers).
type Merged struct {
	final Result
}

// NewMerged drains results in order, feeding every row to reducer, then
// returns a Merged wrapping the reducer's finished output.
func NewMerged(results []Result, reducer Reducer) (*Merged, error) {
	for _, r := range results {
		for {
			rr, err := r.Next()
			if err != nil {
				return nil, err
			}
			if rr == nil {
				break
			}
			if err := reducer.Feed(*rr); err != nil {
				return nil, err
			}
		}
	}
	final, err := reducer.Finish()
	if err != nil {
		return nil, err
	}
	return &Merged{final: final}, nil
}

func (m *Merged) Next() (*row.Row, error) { return m.final.Next() }
func (m *Merged) ColumnCount() int32      { return m.final.ColumnCount() }
func (m *Merged) Close() error            { return m.final.Close() }
