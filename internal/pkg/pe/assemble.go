// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pe implements appending and reading of PE (portable executable) sections.
//
// Metadata sections are appended natively, without shelling out to objcopy,
// so the installer has no build-tools dependency at runtime.
package pe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"slices"

	saferwallpe "github.com/saferwall/pe"
	"github.com/siderolabs/gen/xslices"
)

// Section is a PE section to be appended to the image.
type Section struct {
	// Name of the section, including the leading dot, at most 8 bytes.
	Name string
	// Path to the file containing the section contents.
	Path string
	// Append the section to the output image.
	Append bool

	virtualAddress uint64
	virtualSize    uint64
	fileOffset     uint64
	rawSize        uint64
}

const (
	sectionHeaderSize = 40

	// read-only initialized data
	sectionCharacteristics = 0x40000040
)

// Assemble appends the sections to the source PE image and writes the result to dstPath.
//
// The image checksum is zeroed; callers are expected to sign the output,
// and Authenticode verification ignores the checksum field.
//
//nolint:gocyclo
func Assemble(srcPath, dstPath string, sections []Section) error {
	peFile, err := saferwallpe.New(srcPath, &saferwallpe.Options{Fast: true})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", srcPath, err)
	}

	defer peFile.Close() //nolint:errcheck

	if err = peFile.Parse(); err != nil {
		return fmt.Errorf("failed to parse %s: %w", srcPath, err)
	}

	optHeader, ok := peFile.NtHeader.OptionalHeader.(saferwallpe.ImageOptionalHeader64)
	if !ok {
		return errors.New("only PE32+ images are supported")
	}

	if len(peFile.Sections) == 0 {
		return errors.New("source image has no sections")
	}

	sectionAlignment := uint64(optHeader.SectionAlignment)
	fileAlignment := uint64(optHeader.FileAlignment)

	// the first free virtual address after the existing sections
	lastSection := peFile.Sections[len(peFile.Sections)-1]
	nextRVA := alignValue(uint64(lastSection.Header.VirtualAddress)+uint64(lastSection.Header.VirtualSize), sectionAlignment)

	in, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}

	// header offsets per the PE/COFF spec
	peOffset := uint64(binary.LittleEndian.Uint32(in[0x3c:]))
	coffOffset := peOffset + 4
	optOffset := coffOffset + 20
	tableOffset := optOffset + uint64(binary.LittleEndian.Uint16(in[coffOffset+16:]))
	numSections := uint64(binary.LittleEndian.Uint16(in[coffOffset+2:]))

	appended := xslices.Filter(sections, func(s Section) bool { return s.Append })

	for _, s := range appended {
		if len(s.Name) > 8 {
			return fmt.Errorf("section name %q exceeds 8 bytes", s.Name)
		}
	}

	// new section headers must fit into the slack the stub template reserves
	// in its header block; growing the header block would shift every file
	// offset and invalidate the template layout
	if tableOffset+(numSections+uint64(len(appended)))*sectionHeaderSize > uint64(optHeader.SizeOfHeaders) {
		return fmt.Errorf("no room in the section table for %d extra sections", len(appended))
	}

	out := slices.Clone(in)
	out = padTo(out, fileAlignment)

	for i := range appended {
		data, err := os.ReadFile(appended[i].Path)
		if err != nil {
			return fmt.Errorf("failed to read section %s contents: %w", appended[i].Name, err)
		}

		appended[i].virtualAddress = nextRVA
		appended[i].virtualSize = uint64(len(data))
		appended[i].fileOffset = uint64(len(out))
		appended[i].rawSize = alignValue(uint64(len(data)), fileAlignment)

		out = append(out, data...)
		out = padTo(out, fileAlignment)

		nextRVA = alignValue(nextRVA+appended[i].virtualSize, sectionAlignment)
	}

	for i, s := range appended {
		hdr := make([]byte, sectionHeaderSize)

		copy(hdr[0:8], s.Name)
		binary.LittleEndian.PutUint32(hdr[8:], uint32(s.virtualSize))
		binary.LittleEndian.PutUint32(hdr[12:], uint32(s.virtualAddress))
		binary.LittleEndian.PutUint32(hdr[16:], uint32(s.rawSize))
		binary.LittleEndian.PutUint32(hdr[20:], uint32(s.fileOffset))
		binary.LittleEndian.PutUint32(hdr[36:], sectionCharacteristics)

		copy(out[tableOffset+(numSections+uint64(i))*sectionHeaderSize:], hdr)
	}

	binary.LittleEndian.PutUint16(out[coffOffset+2:], uint16(numSections+uint64(len(appended))))

	// SizeOfImage covers the appended sections now
	binary.LittleEndian.PutUint32(out[optOffset+56:], uint32(nextRVA))

	// zero the checksum, signing recomputes the Authenticode digest anyway
	binary.LittleEndian.PutUint32(out[optOffset+64:], 0)

	return os.WriteFile(dstPath, out, 0o600)
}

func alignValue(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}

func padTo(data []byte, alignment uint64) []byte {
	return append(data, make([]byte, alignValue(uint64(len(data)), alignment)-uint64(len(data)))...)
}
