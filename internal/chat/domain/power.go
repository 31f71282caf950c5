package domain

// Power is a purchasable capability occupying one bit of a section vector.
type Power struct {
	ID          int
	Name        string
	Section     string
	Subid       int // bit position, 1..32
	Cost        int64
	Description string
}

// MaxSubid is the highest bit position a section can hold.
const MaxSubid = 32

// BitValue returns the power's position as a set bit in its section vector.
func (p Power) BitValue() uint32 {
	if p.Subid < 1 || p.Subid > MaxSubid {
		return 0
	}
	return 1 << (p.Subid - 1)
}

// CapabilityVector maps section names to 32-bit ownership masks. The zero
// value of a missing section is an empty mask.
type CapabilityVector map[string]uint32

// Has reports whether the bit is set in the named section.
func (v CapabilityVector) Has(section string, bit uint32) bool {
	if v == nil || bit == 0 {
		return false
	}
	return v[section]&bit != 0
}

// HasPower reports whether the vector covers the given power.
func (v CapabilityVector) HasPower(p Power) bool {
	return v.Has(p.Section, p.BitValue())
}

// Grant sets the bit in the named section. OR semantics make repeated grants
// of the same power a no-op.
func (v CapabilityVector) Grant(section string, bit uint32) {
	if v == nil || bit == 0 {
		return
	}
	v[section] |= bit
}

// Clone returns an independent copy of the vector.
func (v CapabilityVector) Clone() CapabilityVector {
	if v == nil {
		return nil
	}
	out := make(CapabilityVector, len(v))
	for section, mask := range v {
		out[section] = mask
	}
	return out
}
