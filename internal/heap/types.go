// Package heap implements the per-class object heap: an open-addressed
// bucket table mapping object id to the head of an MVCC version chain,
// per spec §4.1.
package heap

import (
	"fmt"
	"time"

	"github.com/veloxdb/veloxdb-core/internal/veloxerr"
)

// PropertyType is the tagged-enum replacement for dynamic dispatch over
// property types (§9 design note 1): a jump table of codec functions is
// selected once at class-load time instead of switching on a runtime type
// on every access.
type PropertyType int

const (
	PropBool PropertyType = iota
	PropInt32
	PropInt64
	PropFloat32
	PropFloat64
	PropString
	PropDateTime
	PropBlob      // opaque 64-bit handle into the external interned heap
	PropReference // object id, tracked by the inverse-reference map
)

func (t PropertyType) String() string {
	switch t {
	case PropBool:
		return "bool"
	case PropInt32:
		return "int32"
	case PropInt64:
		return "int64"
	case PropFloat32:
		return "float32"
	case PropFloat64:
		return "float64"
	case PropString:
		return "string"
	case PropDateTime:
		return "datetime"
	case PropBlob:
		return "blob"
	case PropReference:
		return "reference"
	default:
		return "unknown"
	}
}

// Codec holds the zero-value, compare and validate behavior for one
// PropertyType; it has no encode/decode functions. Blob values are stored
// as a uint64 handle into the external blob heap (§6); String values are
// stored inline as Go strings.
type Codec struct {
	// ZeroValue returns the default-value-template representation.
	ZeroValue func() any
	// Compare orders two values of this type; used by hash/sorted index
	// key comparers. Returns <0, 0, >0.
	Compare func(a, b any) int
	// Validate rejects a changeset payload whose Go type does not match
	// the declared PropertyType.
	Validate func(v any) error
}

var codecs = map[PropertyType]Codec{
	PropBool: {
		ZeroValue: func() any { return false },
		Compare: func(a, b any) int {
			av, bv := a.(bool), b.(bool)
			if av == bv {
				return 0
			}
			if !av {
				return -1
			}
			return 1
		},
		Validate: validateType[bool],
	},
	PropInt32: {
		ZeroValue: func() any { return int32(0) },
		Compare:   cmpOrdered[int32],
		Validate:  validateType[int32],
	},
	PropInt64: {
		ZeroValue: func() any { return int64(0) },
		Compare:   cmpOrdered[int64],
		Validate:  validateType[int64],
	},
	PropFloat32: {
		ZeroValue: func() any { return float32(0) },
		Compare:   cmpOrdered[float32],
		Validate:  validateType[float32],
	},
	PropFloat64: {
		ZeroValue: func() any { return float64(0) },
		Compare:   cmpOrdered[float64],
		Validate:  validateType[float64],
	},
	PropString: {
		ZeroValue: func() any { return "" },
		Compare:   cmpOrdered[string],
		Validate:  validateType[string],
	},
	PropDateTime: {
		ZeroValue: func() any { return time.Time{} },
		Compare: func(a, b any) int {
			av, bv := a.(time.Time), b.(time.Time)
			switch {
			case av.Before(bv):
				return -1
			case av.After(bv):
				return 1
			default:
				return 0
			}
		},
		Validate: validateType[time.Time],
	},
	PropBlob: {
		ZeroValue: func() any { return uint64(0) },
		Compare:   cmpOrdered[uint64],
		Validate:  validateType[uint64],
	},
	PropReference: {
		ZeroValue: func() any { return uint64(0) },
		Compare:   cmpOrdered[uint64],
		Validate:  validateType[uint64],
	},
}

// CodecFor returns the jump-table entry for a property type.
func CodecFor(t PropertyType) Codec { return codecs[t] }

type ordered interface {
	~int32 | ~int64 | ~float32 | ~float64 | ~string
}

func cmpOrdered[T ordered](a, b any) int {
	av, bv := a.(T), b.(T)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

func validateType[T any](v any) error {
	if _, ok := v.(T); !ok {
		return veloxerr.New(veloxerr.KindIndexPropertyWrongType, fmt.Errorf("expected %T, got %T", *new(T), v))
	}
	return nil
}
