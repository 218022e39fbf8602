package models

// MaxCircuits is the widest declaration a Bitmask can carry.
const MaxCircuits = 64

// Bitmask packs one relay state per circuit; bit k belongs to Circuit[k].
type Bitmask uint64

// Set returns m with bit k set to on.
func (m Bitmask) Set(k int, on bool) Bitmask {
	if on {
		return m | 1<<uint(k)
	}
	return m &^ (1 << uint(k))
}

// Bit reports whether bit k is set.
func (m Bitmask) Bit(k int) bool {
	return m&(1<<uint(k)) != 0
}

// Bank extracts the 8-bit slice of the mask belonging to bank b.
func (m Bitmask) Bank(b int) uint8 {
	return uint8(m >> (8 * uint(b)))
}

type Circuit struct {
	ID           int
	Index        int
	DesiredState bool
	LastPower    float64
	Sampled      bool
}

// Registry is the ordered set of circuits learned from the remote authority.
// Indexes are dense and match declaration order; the registry never shrinks.
type Registry struct {
	circuits []Circuit
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Len() int {
	return len(r.circuits)
}

func (r *Registry) Empty() bool {
	return len(r.circuits) == 0
}

// Append adds a circuit at the next index and returns that index.
func (r *Registry) Append(id int, desired bool) int {
	idx := len(r.circuits)
	r.circuits = append(r.circuits, Circuit{
		ID:           id,
		Index:        idx,
		DesiredState: desired,
	})
	return idx
}

// At returns a pointer into the registry; callers must not keep it past the cycle.
func (r *Registry) At(i int) *Circuit {
	return &r.circuits[i]
}

// SetDesired updates the desired state of the circuit at position i.
func (r *Registry) SetDesired(i int, on bool) {
	r.circuits[i].DesiredState = on
}

// SetPower records a calibrated reading for the circuit at position i.
func (r *Registry) SetPower(i int, watts float64) {
	r.circuits[i].LastPower = watts
	r.circuits[i].Sampled = true
}

func (r *Registry) HasID(id int) bool {
	for _, c := range r.circuits {
		if c.ID == id {
			return true
		}
	}
	return false
}

// Snapshot returns a copy safe to hand to other goroutines.
func (r *Registry) Snapshot() []Circuit {
	out := make([]Circuit, len(r.circuits))
	copy(out, r.circuits)
	return out
}

// Mask rebuilds the bitmask from the desired states.
func (r *Registry) Mask() Bitmask {
	var m Bitmask
	for i, c := range r.circuits {
		m = m.Set(i, c.DesiredState)
	}
	return m
}
