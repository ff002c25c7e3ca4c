package txn

import "github.com/veloxdb/veloxdb-core/internal/external"

// ApplyChangeset iterates reader's blocks in order, dispatches each to the
// matching class's insert/update/delete handler, then feeds the cascades
// that deletes generate (delete-cascade, set-to-null) back through
// applyOnce until fixpoint (§4.5 apply_changeset). There is no separate
// inverse-reference validator: the target of a newly written reference is
// not checked for existence. On any error the transaction is rolled back.
func (t *Transaction) ApplyChangeset(reader external.ChangesetReader) error {
	if err := t.checkLive(); err != nil {
		return err
	}
	if err := t.requireReadWrite(); err != nil {
		return err
	}

	cascade := external.NewMemChangeset()
	if err := t.applyOnce(reader, cascade); err != nil {
		t.Rollback()
		return err
	}

	for cascade.Len() > 0 {
		next := external.NewMemChangeset()
		cascade.Reset()
		if err := t.applyOnce(cascade, next); err != nil {
			t.Rollback()
			return err
		}
		cascade = next
	}
	return nil
}

// applyOnce runs exactly one pass over reader, writing any cascaded ops
// (delete-cascade, set-to-null) it discovers into outCascade instead of
// recursing, so the caller controls the fixpoint loop.
func (t *Transaction) applyOnce(reader external.ChangesetReader, outCascade *external.MemChangeset) error {
	view := t.View()
	for {
		block, ok := reader.Next()
		if !ok {
			break
		}
		rt, err := t.coord.classRuntime(block.ClassName)
		if err != nil {
			return err
		}

		switch block.Op {
		case external.OpInsert:
			if err := t.applyInsert(view, rt, block); err != nil {
				return err
			}
		case external.OpUpdate:
			if err := t.applyUpdate(view, rt, block); err != nil {
				return err
			}
		case external.OpDelete:
			if err := t.applyDelete(view, rt, block, outCascade); err != nil {
				return err
			}
		case external.OpDefaultValue:
			if err := t.applyDefaultValue(view, rt, block); err != nil {
				return err
			}
		case external.OpDropClass, external.OpRewind:
			// Schema-level operations: out of scope for the core (§1);
			// the external collaborator that owns schema management is
			// expected to drain the class first.
			continue
		}
	}
	return nil
}
