package codegen

import "strconv"

// RegisterAllocator assigns a register name to each node in a Plan with a
// linear scan over the (already topologically sorted) node list, tracking
// last use so that registers could be recycled by a smarter allocator; this
// one keeps a fresh name per node (SSA form makes that simplest) and
// exposes the last-use table through LastUse; no backend writer consults it.
type RegisterAllocator struct {
	prefix   string
	names    map[uint32]string
	lastUse  map[uint32]int
	counter  int
}

func NewRegisterAllocator(prefix string) *RegisterAllocator {
	return &RegisterAllocator{
		prefix:  prefix,
		names:   make(map[uint32]string),
		lastUse: make(map[uint32]int),
	}
}

// Allocate walks nodes in order, assigning each a register name and
// recording the last position (by index into nodes) at which each operand
// is read.
func (ra *RegisterAllocator) Allocate(nodes []Node) map[uint32]string {
	for pos, n := range nodes {
		ra.names[n.Index] = ra.fresh()
		for _, d := range n.Dep {
			if d != 0 {
				ra.lastUse[d] = pos
			}
		}
		if n.ExtraDep != 0 {
			ra.lastUse[n.ExtraDep] = pos
		}
	}
	return ra.names
}

func (ra *RegisterAllocator) fresh() string {
	name := ra.prefix + strconv.Itoa(ra.counter)
	ra.counter++
	return name
}

// LastUse returns the position in the node list at which operand index was
// last read, or -1 if it was never read within this partition.
func (ra *RegisterAllocator) LastUse(index uint32) int {
	if pos, ok := ra.lastUse[index]; ok {
		return pos
	}
	return -1
}
