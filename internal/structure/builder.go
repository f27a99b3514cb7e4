package structure

// Builder accumulates atoms in a fixed cell and refuses any placement that
// would break its distance table.
type Builder struct {
	partial Structure
	table   DistanceTable
}

func NewBuilder(lattice Lattice, pbc [3]bool, table DistanceTable) *Builder {
	return &Builder{partial: Structure{lattice: lattice, pbc: pbc}, table: table}
}

// CellFits reports whether every species in species can sit next to its own
// periodic images in the cell.
func (b *Builder) CellFits(species []string) bool {
	shortest := b.partial.ShortestTranslation()
	for _, sp := range species {
		if shortest < b.table.Min(sp, sp) {
			return false
		}
	}
	return true
}

// TryAdd wraps f along periodic axes and appends the atom when it fits.
func (b *Builder) TryAdd(sp string, f Vec3) bool {
	for k := 0; k < 3; k++ {
		if b.partial.pbc[k] {
			f[k] = wrapUnit(f[k])
		}
	}
	if !Fits(b.partial, b.table, sp, f) {
		return false
	}
	b.partial.species = append(b.partial.species, sp)
	b.partial.frac = append(b.partial.frac, f)
	return true
}

func (b *Builder) Len() int { return len(b.partial.species) }

func (b *Builder) Composition() Composition {
	return b.partial.Composition()
}

// Build validates the accumulated atoms as a complete structure.
func (b *Builder) Build() (Structure, error) {
	s, err := New(b.partial.lattice, b.partial.species, b.partial.frac, b.partial.pbc)
	if err != nil {
		return Structure{}, err
	}
	if err := CheckDistances(s, b.table); err != nil {
		return Structure{}, err
	}
	return s, nil
}
