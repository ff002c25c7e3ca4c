package txn

import (
	"encoding/binary"

	"github.com/veloxdb/veloxdb-core/internal/heap"
	"github.com/veloxdb/veloxdb-core/internal/sortedindex"
)

// encodeColumn renders one typed property value as an order-preserving
// byte encoding, reusing sortedindex's numeric encodings so a value sorts
// identically whether it reaches the B+tree or the hash index.
func encodeColumn(t heap.PropertyType, v any) ([]byte, bool) {
	switch t {
	case heap.PropBool:
		b, ok := v.(bool)
		if !ok {
			return nil, false
		}
		if b {
			return []byte{1}, true
		}
		return []byte{0}, true
	case heap.PropInt32:
		n, ok := v.(int32)
		if !ok {
			return nil, false
		}
		return sortedindex.EncodeInt64(int64(n)), true
	case heap.PropInt64:
		n, ok := v.(int64)
		if !ok {
			return nil, false
		}
		return sortedindex.EncodeInt64(n), true
	case heap.PropFloat32:
		f, ok := v.(float32)
		if !ok {
			return nil, false
		}
		return sortedindex.EncodeFloat64(float64(f)), true
	case heap.PropFloat64:
		f, ok := v.(float64)
		if !ok {
			return nil, false
		}
		return sortedindex.EncodeFloat64(f), true
	case heap.PropString:
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		return []byte(s), true
	case heap.PropDateTime:
		dt, ok := v.(timeStamper)
		if !ok {
			return nil, false
		}
		return sortedindex.EncodeInt64(dt.UnixNano()), true
	case heap.PropBlob, heap.PropReference:
		h, ok := v.(uint64)
		if !ok {
			return nil, false
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, h)
		return buf, true
	default:
		return nil, false
	}
}

// timeStamper avoids importing "time" just for one method signature;
// time.Time satisfies it.
type timeStamper interface {
	UnixNano() int64
}

func compositeKey(columns [][]byte) []byte {
	return sortedindex.CompositeKey(columns...)
}
