package external

// MemChangeset is an in-memory, append-only ChangesetReader builder used by
// tests and by the engine's own cascade-changeset feedback loop (§4.5).
// It mirrors the WAL record assembly pattern in wal_advanced.go
// (walRecord/walOperation built up in memory before being handed to a
// sink) but the sink here is the transaction coordinator itself rather
// than a file.
type MemChangeset struct {
	blocks []ChangesetBlock
	pos    int
}

// NewMemChangeset builds an empty changeset ready to accumulate blocks.
func NewMemChangeset() *MemChangeset { return &MemChangeset{} }

// AddBlock appends one block (e.g. all inserts for class Foo) in order.
func (c *MemChangeset) AddBlock(b ChangesetBlock) { c.blocks = append(c.blocks, b) }

// Next implements ChangesetReader.
func (c *MemChangeset) Next() (ChangesetBlock, bool) {
	if c.pos >= len(c.blocks) {
		return ChangesetBlock{}, false
	}
	b := c.blocks[c.pos]
	c.pos++
	return b, true
}

// Reset rewinds the reader to the first block without discarding content,
// used when a changeset must be replayed (e.g. cascaded fixpoint passes).
func (c *MemChangeset) Reset() { c.pos = 0 }

// Len reports the number of remaining blocks.
func (c *MemChangeset) Len() int { return len(c.blocks) - c.pos }
