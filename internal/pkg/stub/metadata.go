// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package stub

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/genboot/genboot/internal/pkg/digest"
	"github.com/genboot/genboot/internal/pkg/pe"
	"github.com/genboot/genboot/internal/pkg/secureboot"
)

// Metadata is the per-generation state embedded into a signed stub image.
type Metadata struct {
	Generation     uint64
	Specialisation string
	Cmdline        string
	KernelPath     string
	InitrdPath     string
	KernelDigest   digest.Digest
	InitrdDigest   digest.Digest
}

// Validate checks the metadata for completeness.
func (m *Metadata) Validate() error {
	if m.Generation == 0 {
		return errors.New("generation number must be positive")
	}

	if m.KernelPath == "" || m.InitrdPath == "" {
		return errors.New("kernel and initrd paths are required")
	}

	if err := m.KernelDigest.Validate(); err != nil {
		return fmt.Errorf("invalid kernel digest: %w", err)
	}

	if err := m.InitrdDigest.Validate(); err != nil {
		return fmt.Errorf("invalid initrd digest: %w", err)
	}

	return nil
}

// Equal reports whether two metadata sets describe the same generation variant state.
func (m *Metadata) Equal(other *Metadata) bool {
	return *m == *other
}

// Extract reads the metadata sections back from a stub image.
func Extract(imagePath string) (*Metadata, error) {
	sections, err := pe.ReadSections(imagePath,
		secureboot.Generation.String(),
		secureboot.Variant.String(),
		secureboot.CMDLine.String(),
		secureboot.KernelPath.String(),
		secureboot.InitrdPath.String(),
		secureboot.KernelHash.String(),
		secureboot.InitrdHash.String(),
	)
	if err != nil {
		return nil, err
	}

	for _, required := range []secureboot.Section{
		secureboot.Generation,
		secureboot.KernelPath,
		secureboot.InitrdPath,
		secureboot.KernelHash,
		secureboot.InitrdHash,
	} {
		if _, ok := sections[required.String()]; !ok {
			return nil, fmt.Errorf("stub image %s is missing the %s section", imagePath, required)
		}
	}

	generation, err := strconv.ParseUint(string(sections[secureboot.Generation.String()]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed %s section: %w", secureboot.Generation, err)
	}

	kernelDigest, err := digest.Parse(string(sections[secureboot.KernelHash.String()]))
	if err != nil {
		return nil, fmt.Errorf("malformed %s section: %w", secureboot.KernelHash, err)
	}

	initrdDigest, err := digest.Parse(string(sections[secureboot.InitrdHash.String()]))
	if err != nil {
		return nil, fmt.Errorf("malformed %s section: %w", secureboot.InitrdHash, err)
	}

	return &Metadata{
		Generation:     generation,
		Specialisation: string(sections[secureboot.Variant.String()]),
		Cmdline:        string(sections[secureboot.CMDLine.String()]),
		KernelPath:     string(sections[secureboot.KernelPath.String()]),
		InitrdPath:     string(sections[secureboot.InitrdPath.String()]),
		KernelDigest:   kernelDigest,
		InitrdDigest:   initrdDigest,
	}, nil
}
