package peimage_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperlight-dev/hyperlight-go/peimage"
)

// buildMinimalPE32Plus assembles the smallest byte layout ParseHeaders
// needs: DOS header with e_lfanew, PE00 signature, COFF header, and a
// PE32+ optional header with one data directory entry for .reloc.
func buildMinimalPE32Plus(t *testing.T, relocBlock []byte) (image []byte, relocRVA uint32) {
	t.Helper()

	const peOffset = 0x80
	const numDataDirs = 16
	const optHeaderSize = 112 + numDataDirs*8
	const coffOffset = peOffset + 4
	const optHeaderOffset = coffOffset + 20

	relocRVA = uint32(optHeaderOffset + optHeaderSize + 16) // leave slack, page-ish align
	totalSize := int(relocRVA) + len(relocBlock)
	image = make([]byte, totalSize)

	binary.LittleEndian.PutUint16(image[0:2], 0x5A4D) // MZ
	binary.LittleEndian.PutUint32(image[0x3C:0x40], peOffset)
	binary.LittleEndian.PutUint32(image[peOffset:peOffset+4], 0x00004550) // PE\0\0

	binary.LittleEndian.PutUint16(image[coffOffset:coffOffset+2], 0x8664)   // machine amd64
	binary.LittleEndian.PutUint16(image[coffOffset+2:coffOffset+4], 0)      // sections
	binary.LittleEndian.PutUint16(image[coffOffset+16:coffOffset+18], optHeaderSize)

	binary.LittleEndian.PutUint16(image[optHeaderOffset:optHeaderOffset+2], 0x20B) // PE32+ magic
	binary.LittleEndian.PutUint32(image[optHeaderOffset+16:optHeaderOffset+20], 0x1000)          // entry point
	binary.LittleEndian.PutUint64(image[optHeaderOffset+24:optHeaderOffset+32], 0x140000000)     // image base
	binary.LittleEndian.PutUint32(image[optHeaderOffset+56:optHeaderOffset+60], uint32(totalSize))
	binary.LittleEndian.PutUint64(image[optHeaderOffset+72:optHeaderOffset+80], 0x100000) // stack reserve
	binary.LittleEndian.PutUint64(image[optHeaderOffset+80:optHeaderOffset+88], 0x1000)   // stack commit
	binary.LittleEndian.PutUint64(image[optHeaderOffset+88:optHeaderOffset+96], 0x200000) // heap reserve
	binary.LittleEndian.PutUint64(image[optHeaderOffset+96:optHeaderOffset+104], 0x1000)  // heap commit

	binary.LittleEndian.PutUint32(image[optHeaderOffset+108:optHeaderOffset+112], numDataDirs)
	dataDirOffset := optHeaderOffset + 112
	relocEntryOffset := dataDirOffset + 5*8
	binary.LittleEndian.PutUint32(image[relocEntryOffset:relocEntryOffset+4], relocRVA)
	binary.LittleEndian.PutUint32(image[relocEntryOffset+4:relocEntryOffset+8], uint32(len(relocBlock)))

	copy(image[relocRVA:], relocBlock)
	return image, relocRVA
}

func buildRelocBlock(pageRVA uint32, entries []uint16) []byte {
	blockSize := 8 + len(entries)*2
	b := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(b[0:4], pageRVA)
	binary.LittleEndian.PutUint32(b[4:8], uint32(blockSize))
	for i, e := range entries {
		binary.LittleEndian.PutUint16(b[8+i*2:10+i*2], e)
	}
	return b
}

func TestParseHeaders(t *testing.T) {
	image, _ := buildMinimalPE32Plus(t, nil)
	h, err := peimage.ParseHeaders(image)
	require.NoError(t, err)
	require.EqualValues(t, 0x1000, h.EntryPointOffset)
	require.EqualValues(t, 0x140000000, h.PreferredLoadAddress)
	require.EqualValues(t, 0x100000, h.StackReserve)
	require.EqualValues(t, 0x200000, h.HeapReserve)
}

func TestParseHeadersRejectsBadSignature(t *testing.T) {
	image, _ := buildMinimalPE32Plus(t, nil)
	image[0] = 0
	_, err := peimage.ParseHeaders(image)
	require.ErrorIs(t, err, peimage.ErrBadSignature)
}

func TestRelocateHighLow(t *testing.T) {
	// One HIGHLOW entry (type 3) at offset 0 of the page, pointing at
	// a uint32 just before the reloc directory itself: 0x188 is the start
	// of the 16 slack bytes buildMinimalPE32Plus leaves after the optional
	// header (0x98 + 0xF0); the directory begins at 0x198.
	const pageRVA = 0x188
	relocBlock := buildRelocBlock(pageRVA, []uint16{(3 << 12) | 0x0})
	image, relocRVA := buildMinimalPE32Plus(t, relocBlock)

	// Place a pointer value at pageRVA that ParseHeaders/Relocate will patch.
	binary.LittleEndian.PutUint32(image[pageRVA:pageRVA+4], 0x40001000)
	_ = relocRVA

	h, err := peimage.ParseHeaders(image)
	require.NoError(t, err)

	newBase := uint64(0x150000000)
	out, err := peimage.Relocate(image, h, newBase)
	require.NoError(t, err)
	require.Len(t, out, len(image))

	patched := binary.LittleEndian.Uint32(out[pageRVA : pageRVA+4])
	require.EqualValues(t, 0x40001000+uint32(newBase-h.PreferredLoadAddress), patched)

	// Original buffer is untouched.
	orig := binary.LittleEndian.Uint32(image[pageRVA : pageRVA+4])
	require.EqualValues(t, 0x40001000, orig)
}

func TestRelocateUnsupportedType(t *testing.T) {
	const pageRVA = 0x1000
	relocBlock := buildRelocBlock(pageRVA, []uint16{(7 << 12) | 0x0}) // type 7: unsupported
	image, _ := buildMinimalPE32Plus(t, relocBlock)

	h, err := peimage.ParseHeaders(image)
	require.NoError(t, err)

	_, err = peimage.Relocate(image, h, 0x150000000)
	require.ErrorIs(t, err, peimage.ErrUnsupportedReloc)
}

func TestRelocateIdempotentOnOriginal(t *testing.T) {
	const pageRVA = 0x188 // slack bytes just before the reloc directory
	relocBlock := buildRelocBlock(pageRVA, []uint16{(3 << 12) | 0x0})
	image, _ := buildMinimalPE32Plus(t, relocBlock)
	binary.LittleEndian.PutUint32(image[pageRVA:pageRVA+4], 0x40002000)

	h, err := peimage.ParseHeaders(image)
	require.NoError(t, err)

	out1, err := peimage.Relocate(image, h, 0x150000000)
	require.NoError(t, err)

	// Re-parsing and relocating the untouched original a second time
	// at the same address yields byte-identical output (§8).
	h2, err := peimage.ParseHeaders(image)
	require.NoError(t, err)
	out2, err := peimage.Relocate(image, h2, 0x150000000)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}
