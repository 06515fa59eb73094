package hypervisor

// GDTEntry is a single 64-bit segment descriptor. The field layout is
// the teacher's NewGDTEntry/GDTEntry unchanged; only the call site
// changes, since a long-mode code segment ignores base/limit (the L
// bit makes the segment span the full address space) and needs only
// its access byte and the L flag set.
type GDTEntry struct {
	LimitLow   uint16
	BaseLow    uint16
	BaseMid    uint8
	AccessByte uint8
	LimitHigh  uint8
	BaseHigh   uint8
}

// Flag-byte bits for LimitHigh's upper nibble (§4.5: "long-mode").
const (
	FlagGranularity uint8 = 1 << 7
	FlagDefaultSize uint8 = 1 << 6
	FlagLongMode    uint8 = 1 << 5
	FlagAvailable   uint8 = 1 << 4
)

// Access-byte bits for code/data descriptors.
const (
	AccessPresent       uint8 = 1 << 7
	AccessDescriptorType uint8 = 1 << 4 // S=1: code or data, not a system descriptor
	AccessExecutable    uint8 = 1 << 3
	AccessReadWrite      uint8 = 1 << 1
)

// NewGDTEntry builds a descriptor the same way the teacher's
// NewGDTEntry does: base/limit split across the legacy fields, flags
// packed into LimitHigh's upper nibble.
func NewGDTEntry(base uint32, limit uint32, access uint8, flags uint8) GDTEntry {
	var e GDTEntry
	e.BaseLow = uint16(base & 0xFFFF)
	e.BaseMid = uint8((base >> 16) & 0xFF)
	e.BaseHigh = uint8((base >> 24) & 0xFF)
	e.LimitLow = uint16(limit & 0xFFFF)
	e.LimitHigh = uint8((limit>>16)&0x0F) | (flags & 0xF0)
	e.AccessByte = access
	return e
}

// NewLongModeCodeSegment returns the single code descriptor a 64-bit
// guest needs: base and limit are ignored by the processor in long
// mode, so both are zero; only L (long mode) and the code/present/RW
// access bits matter.
func NewLongModeCodeSegment() GDTEntry {
	access := AccessPresent | AccessDescriptorType | AccessExecutable | AccessReadWrite
	flags := FlagLongMode
	return NewGDTEntry(0, 0, access, flags)
}

// NewLongModeDataSegment returns the single data descriptor backing
// SS/DS/ES in long mode.
func NewLongModeDataSegment() GDTEntry {
	access := AccessPresent | AccessDescriptorType | AccessReadWrite
	return NewGDTEntry(0, 0, access, 0)
}

// Encode packs e into the 8 little-endian bytes a real GDT slot holds.
func (e GDTEntry) Encode() [8]byte {
	return [8]byte{
		byte(e.LimitLow), byte(e.LimitLow >> 8),
		byte(e.BaseLow), byte(e.BaseLow >> 8),
		e.BaseMid,
		e.AccessByte,
		e.LimitHigh,
		e.BaseHigh,
	}
}
