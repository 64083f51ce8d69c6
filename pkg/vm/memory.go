package vm

import "github.com/corenc/sparkvm/pkg/executable"

// codeSection owns the read-only code bytes, addressable over
// [CodeStart, CodeStart+len).
type codeSection struct {
	bytes []byte
}

func newCodeSection(code []byte) codeSection {
	return codeSection{bytes: code}
}

// loadSlice returns the code bytes starting at addr, for the decoder
// to read from. It never copies.
func (c codeSection) loadSlice(addr uint64) ([]byte, error) {
	if addr < executable.CodeStart || addr >= executable.CodeStart+uint64(len(c.bytes)) {
		return nil, &BadCodeReadError{Addr: addr}
	}
	return c.bytes[addr-executable.CodeStart:], nil
}

// dataSection owns the writable stack+data words as a single
// contiguous array, addressed over
// [StackStart, StackStart+8*len(words)-1]. The stack occupies the low
// StackSize/8 words; data begins right after it, preserving the
// StackStart+StackSize == DataStart invariant.
type dataSection struct {
	words []uint64
}

func newDataSection(data []byte) (dataSection, error) {
	if len(data)%8 != 0 {
		return dataSection{}, &BadDataLengthError{Length: len(data)}
	}
	words := make([]uint64, executable.StackSize/8+uint64(len(data))/8)
	for i, b := range data {
		words[executable.StackSize/8+uint64(i)/8] |= uint64(b) << (8 * (uint(i) % 8))
	}
	return dataSection{words: words}, nil
}

// access returns a pointer to the word at addr, validating that addr
// lies within the region and is 8-aligned.
func (d *dataSection) access(addr uint64) (*uint64, error) {
	if len(d.words) == 0 {
		return nil, &BadDataAccessError{Addr: addr}
	}
	lastAddr := executable.StackStart + uint64(len(d.words)-1)*8
	if addr < executable.StackStart || addr > lastAddr {
		return nil, &BadDataAccessError{Addr: addr}
	}
	off := addr - executable.StackStart
	if off%8 != 0 {
		return nil, &MisalignedDataAccessError{Addr: addr}
	}
	return &d.words[off/8], nil
}
