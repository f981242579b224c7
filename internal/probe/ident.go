package probe

// IDGenerator assigns the ICMP echo identifier for a target. Identifiers must
// be unique per target: a shared identifier lets one target's reply be
// credited to another whose probe overlaps it.
type IDGenerator interface {
	ID(index int) uint16
}

// IndexIDs derives the identifier from the target's registry index. Zero is
// never returned, so up to 65535 targets get distinct identifiers.
type IndexIDs struct {
	Base uint16
}

func (g IndexIDs) ID(index int) uint16 {
	n := (uint32(g.Base) + uint32(index)) % 0xffff
	return uint16(n + 1)
}
