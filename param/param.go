// Package param implements ClientCommandParameter: a client-side bound
// parameter slot whose type metadata is supplied lazily by the server
// at prepare time but whose reported type, precision and scale prefer
// the bound value's own shape once one has been set.
package param

import (
	"database/sql/driver"
	"io"

	"github.com/distcore/router/internal/dberr"
)

// DataType is the small, server-independent type tag a parameter
// reports to callers introspecting metadata.
type DataType int

const (
	DTUnknown DataType = iota
	DTInt64
	DTFloat64
	DTBool
	DTBytes
	DTString
)

// Meta is the type/precision/scale/nullable metadata the server returns
// for a parameter at prepare time.
type Meta struct {
	DataType  DataType
	Precision int64
	Scale     int
	Nullable  bool
}

// Parameter is one bound (or not-yet-bound) positional parameter of a
// ClientCommand.
type Parameter struct {
	// Index is the 1-based ordinal used in error messages.
	Index int
	Meta  Meta

	value driver.Value
	set   bool
}

// New creates an empty parameter populated with server-supplied
// metadata; it is not yet bound to a value.
func New(index int, meta Meta) *Parameter {
	return &Parameter{Index: index, Meta: meta}
}

// SetValue binds v as the parameter's value. If closeOld is true and
// the previously bound value implements io.Closer, it is closed first
// — mirroring the source's "a caller may opt into releasing the old
// bound resource (e.g. a LOB) in the same call that replaces it".
func (p *Parameter) SetValue(v driver.Value, closeOld bool) error {
	if closeOld {
		if c, ok := p.value.(io.Closer); ok {
			if err := c.Close(); err != nil {
				return err
			}
		}
	}
	p.value = v
	p.set = true
	return nil
}

// Value returns the bound value and whether one has been set.
func (p *Parameter) Value() (driver.Value, bool) { return p.value, p.set }

// CheckSet fails with dberr.ParameterNotSet if no value has been bound.
func (p *Parameter) CheckSet() error {
	if !p.set {
		return dberr.ParameterNotSet(p.Index)
	}
	return nil
}

// EffectiveType returns the bound value's inferred type if one is set,
// else the server-supplied metadata type.
func (p *Parameter) EffectiveType() DataType {
	if p.set && p.value != nil {
		return inferType(p.value)
	}
	return p.Meta.DataType
}

// EffectivePrecision returns the bound value's inferred precision if
// one is set, else the server-supplied metadata precision.
func (p *Parameter) EffectivePrecision() int64 {
	if p.set && p.value != nil {
		return inferPrecision(p.value)
	}
	return p.Meta.Precision
}

// EffectiveScale returns the server-supplied metadata scale when no
// value is bound or the bound value is a float64; any other bound
// value reports a scale of 0.
func (p *Parameter) EffectiveScale() int {
	if p.set && p.value != nil {
		if _, ok := p.value.(float64); ok {
			return p.Meta.Scale
		}
		return 0
	}
	return p.Meta.Scale
}

// Nullable is always reported from metadata, never from the bound
// value: binding a non-nil value does not make a nullable-false column
// become nullable, and vice versa.
func (p *Parameter) Nullable() bool { return p.Meta.Nullable }

func inferType(v driver.Value) DataType {
	switch v.(type) {
	case int64:
		return DTInt64
	case float64:
		return DTFloat64
	case bool:
		return DTBool
	case []byte:
		return DTBytes
	case string:
		return DTString
	default:
		return DTUnknown
	}
}

func inferPrecision(v driver.Value) int64 {
	switch x := v.(type) {
	case string:
		return int64(len(x))
	case []byte:
		return int64(len(x))
	default:
		return 0
	}
}
