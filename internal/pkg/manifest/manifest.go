// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package manifest loads and validates generation manifests.
//
// A manifest is the versioned JSON description of one bootable generation
// produced by the external configuration system. The installer never guesses
// about unknown schema versions.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/siderolabs/gen/maps"
)

// SchemaVersion is the only manifest schema version this installer understands.
const SchemaVersion = 1

// Boot describes the bootable artifact set of a generation or a specialisation.
type Boot struct {
	// Kernel is the path to the kernel image in the artifact store.
	Kernel string `json:"kernel"`
	// Initrd is the path to the initrd image in the artifact store.
	Initrd string `json:"initrd"`
	// KernelParams is the kernel command line, split into parameters.
	KernelParams []string `json:"kernelParams,omitempty"`
	// InitrdSecrets maps initrd-embedded paths to secret source files.
	// Secrets are injected at install time; the stub digest covers the result.
	InitrdSecrets map[string]string `json:"initrdSecrets,omitempty"`
}

// Cmdline renders the kernel command line.
func (b Boot) Cmdline() string {
	return strings.Join(b.KernelParams, " ")
}

// Document is a parsed generation manifest.
type Document struct {
	SchemaVersion int    `json:"schemaVersion"`
	Generation    uint64 `json:"generation"`

	Boot

	// Specialisations are named variants overriding the parent's artifact set.
	Specialisations map[string]Boot `json:"specialisations,omitempty"`
}

// Variant is the flat tagged-union view of a generation: Name is empty for the
// plain generation and set for a specialisation.
type Variant struct {
	Generation uint64
	Name       string
	Boot       Boot
}

// Load reads and validates a manifest file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	return Parse(data)
}

// Parse validates a manifest document.
func Parse(data []byte) (*Document, error) {
	var versionProbe struct {
		SchemaVersion int `json:"schemaVersion"`
	}

	if err := json.Unmarshal(data, &versionProbe); err != nil {
		return nil, fmt.Errorf("malformed manifest: %w", err)
	}

	if versionProbe.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported manifest schema version %d (supported: %d)", versionProbe.SchemaVersion, SchemaVersion)
	}

	var doc Document

	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed manifest: %w", err)
	}

	if err := doc.validate(); err != nil {
		return nil, err
	}

	return &doc, nil
}

func (d *Document) validate() error {
	if d.Generation == 0 {
		return fmt.Errorf("generation number must be positive")
	}

	if err := d.Boot.validate(); err != nil {
		return fmt.Errorf("generation %d: %w", d.Generation, err)
	}

	for name, boot := range d.Specialisations {
		if name == "" {
			return fmt.Errorf("generation %d: specialisation name must not be empty", d.Generation)
		}

		if strings.ContainsAny(name, `/\ `) {
			return fmt.Errorf("generation %d: specialisation name %q contains reserved characters", d.Generation, name)
		}

		if err := boot.validate(); err != nil {
			return fmt.Errorf("generation %d, specialisation %q: %w", d.Generation, name, err)
		}
	}

	return nil
}

func (b Boot) validate() error {
	if b.Kernel == "" {
		return fmt.Errorf("kernel path is required")
	}

	if b.Initrd == "" {
		return fmt.Errorf("initrd path is required")
	}

	return nil
}

// Variants returns the plain generation followed by its specialisations.
//
// Specialisations come strictly after the parent and in a stable order, as the
// installer relies on install order to make the specialisation the most
// recently installed artifact of a shared generation number.
func (d *Document) Variants() []Variant {
	variants := make([]Variant, 0, 1+len(d.Specialisations))

	variants = append(variants, Variant{
		Generation: d.Generation,
		Boot:       d.Boot,
	})

	names := maps.Keys(d.Specialisations)
	slices.Sort(names)

	for _, name := range names {
		variants = append(variants, Variant{
			Generation: d.Generation,
			Name:       name,
			Boot:       d.Specialisations[name],
		})
	}

	return variants
}

// ValidateBatch rejects manifest sets in which two documents claim the same
// generation number: with correct input this never happens, and picking one
// silently would leave the boot menu ambiguous.
func ValidateBatch(docs []*Document) error {
	seen := map[uint64]struct{}{}

	for _, doc := range docs {
		if _, ok := seen[doc.Generation]; ok {
			return fmt.Errorf("duplicate generation number %d in manifest set", doc.Generation)
		}

		seen[doc.Generation] = struct{}{}
	}

	return nil
}
