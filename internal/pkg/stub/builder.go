// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package stub assembles and inspects signed boot stub images.
//
// A stub image is the stub template PE with per-generation metadata sections
// appended, signed with the installation key. The kernel and initrd are not
// embedded; the stub references them by ESP-relative path and records their
// content digests for boot-time verification.
package stub

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/genboot/genboot/internal/pkg/digest"
	"github.com/genboot/genboot/internal/pkg/pe"
	"github.com/genboot/genboot/internal/pkg/pesign"
	"github.com/genboot/genboot/internal/pkg/secureboot"
)

// Builder assembles a signed stub image for one generation variant.
type Builder struct {
	// StubPath is the path to the stub template PE.
	StubPath string

	// OSName is the distribution name used for the boot menu title.
	OSName string

	// Generation identification.
	Generation     uint64
	Specialisation string

	// Cmdline is the kernel command line.
	Cmdline string

	// ESP-relative artifact paths recorded in the stub.
	KernelPath string
	InitrdPath string

	// Artifact digests computed at install time.
	KernelDigest digest.Digest
	InitrdDigest digest.Digest

	// PESigner signs the assembled image.
	PESigner *pesign.Signer

	// OutPath is the output path of the signed image.
	OutPath string

	scratchDir string
	sections   []pe.Section
}

// Build assembles the metadata sections, appends them to the stub template and
// signs the result into OutPath.
func (b *Builder) Build(printf func(string, ...any)) error {
	if b.StubPath == "" || b.OutPath == "" {
		return errors.New("stub template and output paths are required")
	}

	if b.PESigner == nil {
		return errors.New("no PE signer configured")
	}

	if err := b.Metadata().Validate(); err != nil {
		return err
	}

	var err error

	b.scratchDir, err = os.MkdirTemp("", "genboot-stub")
	if err != nil {
		return err
	}

	defer os.RemoveAll(b.scratchDir) //nolint:errcheck

	for _, section := range secureboot.OrderedSections() {
		if err = b.generateSection(section); err != nil {
			return err
		}
	}

	unsigned := filepath.Join(b.scratchDir, "unsigned.efi")

	if err = pe.Assemble(b.StubPath, unsigned, b.sections); err != nil {
		return fmt.Errorf("failed to assemble stub image: %w", err)
	}

	printf("signing %s", b.OutPath)

	return b.PESigner.Sign(unsigned, b.OutPath)
}

// Metadata returns the metadata embedded by Build.
func (b *Builder) Metadata() *Metadata {
	return &Metadata{
		Generation:     b.Generation,
		Specialisation: b.Specialisation,
		Cmdline:        b.Cmdline,
		KernelPath:     b.KernelPath,
		InitrdPath:     b.InitrdPath,
		KernelDigest:   b.KernelDigest,
		InitrdDigest:   b.InitrdDigest,
	}
}

func (b *Builder) emit(section secureboot.Section, contents []byte) error {
	path := filepath.Join(b.scratchDir, section.String())

	if err := os.WriteFile(path, contents, 0o600); err != nil {
		return err
	}

	b.sections = append(b.sections,
		pe.Section{
			Name:   section.String(),
			Path:   path,
			Append: true,
		},
	)

	return nil
}

func (b *Builder) generateSection(section secureboot.Section) error {
	switch section {
	case secureboot.OSRel:
		return b.emit(section, osRelease(b.OSName, b.Generation, b.Specialisation))
	case secureboot.CMDLine:
		return b.emit(section, []byte(b.Cmdline))
	case secureboot.Generation:
		return b.emit(section, []byte(strconv.FormatUint(b.Generation, 10)))
	case secureboot.Variant:
		// plain generations carry no .variant section
		if b.Specialisation == "" {
			return nil
		}

		return b.emit(section, []byte(b.Specialisation))
	case secureboot.KernelPath:
		return b.emit(section, []byte(b.KernelPath))
	case secureboot.InitrdPath:
		return b.emit(section, []byte(b.InitrdPath))
	case secureboot.KernelHash:
		return b.emit(section, []byte(b.KernelDigest.String()))
	case secureboot.InitrdHash:
		return b.emit(section, []byte(b.InitrdDigest.String()))
	default:
		return fmt.Errorf("unexpected section %s", section)
	}
}
