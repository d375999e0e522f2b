package shmem

// Buffers is a read-only view of a segment's four content sub-regions. The
// slices alias the mapped memory; they are only valid until the segment is
// resized or closed.
type Buffers struct {
	schema []byte
	header []byte
	meta   []byte
	data   []byte
}

// Schema returns the schema sub-region.
func (b Buffers) Schema() []byte { return b.schema }

// Header returns the header sub-region.
func (b Buffers) Header() []byte { return b.header }

// Meta returns the metadata sub-region.
func (b Buffers) Meta() []byte { return b.meta }

// Data returns the data sub-region.
func (b Buffers) Data() []byte { return b.data }
