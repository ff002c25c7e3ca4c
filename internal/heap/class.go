package heap

import "github.com/veloxdb/veloxdb-core/internal/external"

// CascadePolicy governs what happens to a reference when the object it
// points at is deleted (§4.5 "cascades (delete-cascade and set-to-null)").
type CascadePolicy int

const (
	CascadeNone CascadePolicy = iota
	CascadeSetNull
	CascadeDelete
)

// PropertyDescriptor describes one fixed-width slot in a class's property
// area.
type PropertyDescriptor struct {
	ID              int
	Name            string
	Type            PropertyType
	Tracked         bool // only meaningful for PropReference: inverse-ref tracked?
	MultiplicityOne bool
	NotNull         bool
	TargetClass     string        // PropReference only: class name the value points into
	Cascade         CascadePolicy // PropReference only: behavior when TargetClass's object is deleted
}

// AlignmentFunc overwrites a record's properties directly from an inbound
// changeset reader without re-running validation, used only on the
// replication/restore path (§6 Alignment Delegate, §9 design note 2).
// BuildAlignmentFunc builds one from a class descriptor, but nothing in the
// engine calls it: ClassDescriptor.Align stays nil unless the caller sets
// it, and a nil Align makes the restore path apply values with applyValues.
type AlignmentFunc func(props []any, op external.ChangesetOp) error

// ClassDescriptor is the per-class schema the heap needs to lay out and
// interpret a VersionRecord's property area. Schema loading/evolution
// itself is an external collaborator (§1); this is the minimal slice the
// core consumes.
type ClassDescriptor struct {
	ID         int
	Name       string
	Abstract   bool
	Properties []PropertyDescriptor
	Align      AlignmentFunc
}

// DefaultTemplate returns a fresh zero-valued property slice sized to this
// class, used to seed newly inserted records before changeset values are
// applied.
func (c *ClassDescriptor) DefaultTemplate() []any {
	vals := make([]any, len(c.Properties))
	for i, p := range c.Properties {
		vals[i] = CodecFor(p.Type).ZeroValue()
	}
	return vals
}

func (c *ClassDescriptor) PropertyByID(id int) (PropertyDescriptor, bool) {
	for _, p := range c.Properties {
		if p.ID == id {
			return p, true
		}
	}
	return PropertyDescriptor{}, false
}

// BuildAlignmentFunc constructs the default per-class alignment function: a
// positional overwrite of the property slice from the changeset operation's
// typed payload, skipping validation entirely (alignment trusts its
// upstream - persistence or replication - to have already validated).
func BuildAlignmentFunc(desc *ClassDescriptor) AlignmentFunc {
	byID := make(map[int]int, len(desc.Properties))
	for i, p := range desc.Properties {
		byID[p.ID] = i
	}
	return func(props []any, op external.ChangesetOp) error {
		for _, pv := range op.Values {
			idx, ok := byID[pv.PropertyID]
			if !ok {
				continue
			}
			props[idx] = pv.Value
		}
		return nil
	}
}
