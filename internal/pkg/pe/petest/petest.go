// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package petest synthesizes a minimal PE32+ EFI application used as a stub
// template in tests, so no prebuilt binaries need to be checked in.
package petest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	peOffset      = 0x80
	sizeOfHeaders = 0x400
	textOffset    = 0x400
	textSize      = 0x200
)

// StubBytes returns a minimal, well-formed PE32+ EFI application image with a
// single .text section and header slack for appended sections.
func StubBytes() []byte {
	out := make([]byte, textOffset+textSize)

	// DOS header
	copy(out[0:2], "MZ")
	binary.LittleEndian.PutUint32(out[0x3c:], peOffset)

	copy(out[peOffset:], "PE\x00\x00")

	// COFF file header
	coff := out[peOffset+4:]
	binary.LittleEndian.PutUint16(coff[0:], 0x8664) // AMD64
	binary.LittleEndian.PutUint16(coff[2:], 1)      // NumberOfSections
	binary.LittleEndian.PutUint16(coff[16:], 240)   // SizeOfOptionalHeader (PE32+)
	binary.LittleEndian.PutUint16(coff[18:], 0x0022)

	// optional header (PE32+)
	opt := coff[20:]
	binary.LittleEndian.PutUint16(opt[0:], 0x20b) // PE32+ magic
	binary.LittleEndian.PutUint32(opt[4:], textSize)
	binary.LittleEndian.PutUint32(opt[16:], 0x1000)    // AddressOfEntryPoint
	binary.LittleEndian.PutUint32(opt[20:], 0x1000)    // BaseOfCode
	binary.LittleEndian.PutUint64(opt[24:], 0x10000)   // ImageBase
	binary.LittleEndian.PutUint32(opt[32:], 0x1000)    // SectionAlignment
	binary.LittleEndian.PutUint32(opt[36:], 0x200)     // FileAlignment
	binary.LittleEndian.PutUint16(opt[48:], 6)         // MajorSubsystemVersion
	binary.LittleEndian.PutUint32(opt[56:], 0x2000)    // SizeOfImage
	binary.LittleEndian.PutUint32(opt[60:], sizeOfHeaders)
	binary.LittleEndian.PutUint16(opt[68:], 10) // EFI application
	binary.LittleEndian.PutUint64(opt[72:], 0x100000)
	binary.LittleEndian.PutUint64(opt[80:], 0x1000)
	binary.LittleEndian.PutUint64(opt[88:], 0x100000)
	binary.LittleEndian.PutUint64(opt[96:], 0x1000)
	binary.LittleEndian.PutUint32(opt[108:], 16) // NumberOfRvaAndSizes

	// .text section header
	sect := opt[240:]
	copy(sect[0:8], ".text")
	binary.LittleEndian.PutUint32(sect[8:], textSize)    // VirtualSize
	binary.LittleEndian.PutUint32(sect[12:], 0x1000)     // VirtualAddress
	binary.LittleEndian.PutUint32(sect[16:], textSize)   // SizeOfRawData
	binary.LittleEndian.PutUint32(sect[20:], textOffset) // PointerToRawData
	binary.LittleEndian.PutUint32(sect[36:], 0x60000020) // code, execute, read

	// entry point: ret
	out[textOffset] = 0xc3

	return out
}

// WriteStub writes the synthesized stub template into dir and returns its path.
func WriteStub(t *testing.T, dir string) string {
	t.Helper()

	path := filepath.Join(dir, "stub.efi")
	require.NoError(t, os.WriteFile(path, StubBytes(), 0o644))

	return path
}
