// Package txctx defines the lightweight, pass-by-value transaction view
// that the object heap, inverse-reference map, hash index, and sorted
// index all need to resolve visibility and conflicts - without importing
// the transaction coordinator itself (which imports them). The coordinator
// (internal/txn) owns the full *Transaction; these packages only ever see
// this narrow projection of it.
package txctx

import "github.com/veloxdb/veloxdb-core/internal/external"

// View is what a storage-layer component needs to know about the
// transaction driving the current operation (§3 Transaction Identity).
type View struct {
	// ID is the transaction identity: for an in-flight read-write
	// transaction this carries the uncommitted marker (high bit set, per
	// §3); for a committed reader it is irrelevant and ReadVersion is used
	// instead.
	ID          uint64
	ReadVersion uint64
	ReadWrite   bool
	Source      external.TransactionSource
	Canceled    *bool // shared cancellation flag, checked at every public op
}

// IsOwner reports whether this view's transaction is the one that created
// ownerTran (used to decide in-place-merge vs. new-version-prepend).
func (v View) IsOwner(ownerTran uint64) bool { return v.ReadWrite && v.ID == ownerTran }

// IsCanceled reports whether the owning transaction has been canceled.
func (v View) IsCanceled() bool { return v.Canceled != nil && *v.Canceled }
