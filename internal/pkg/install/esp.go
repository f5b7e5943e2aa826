// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package install

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/genboot/genboot/internal/pkg/digest"
)

// Layout maps the boot partition directory structure.
//
// Stub images live in EFI/Linux (one per generation variant), artifacts are
// stored content-addressed in EFI/genboot so unchanged kernels and initrds
// are shared between generations, and boot entries follow the boot loader
// specification under loader/entries.
type Layout struct {
	Root string
}

// LinuxDir is the directory of the signed stub images.
func (l Layout) LinuxDir() string { return filepath.Join(l.Root, "EFI", "Linux") }

// ArtifactDir is the content-addressed kernel/initrd store.
func (l Layout) ArtifactDir() string { return filepath.Join(l.Root, "EFI", "genboot") }

// LoaderDir is the boot loader configuration directory.
func (l Layout) LoaderDir() string { return filepath.Join(l.Root, "loader") }

// EntriesDir is the boot entry directory.
func (l Layout) EntriesDir() string { return filepath.Join(l.LoaderDir(), "entries") }

// LoaderConfPath is the global loader configuration file.
func (l Layout) LoaderConfPath() string { return filepath.Join(l.LoaderDir(), "loader.conf") }

// LockPath is the installer serialization lock file.
func (l Layout) LockPath() string { return filepath.Join(l.LoaderDir(), ".genboot.lock") }

// StubName encodes the generation variant into the stub image filename.
func StubName(generation uint64, specialisation string) string {
	if specialisation == "" {
		return fmt.Sprintf("genboot-%d.efi", generation)
	}

	return fmt.Sprintf("genboot-%d-%s.efi", generation, specialisation)
}

// EntryName encodes the generation variant into the boot entry filename.
func EntryName(generation uint64, specialisation string) string {
	if specialisation == "" {
		return fmt.Sprintf("genboot-%d.conf", generation)
	}

	return fmt.Sprintf("genboot-%d-%s.conf", generation, specialisation)
}

// ArtifactName is the content-addressed store name of an artifact.
func ArtifactName(d digest.Digest, kind string) string {
	return fmt.Sprintf("%s-%s-%s", d.Algorithm(), d.Encoded(), kind)
}

// StubPath is the absolute path of a stub image.
func (l Layout) StubPath(generation uint64, specialisation string) string {
	return filepath.Join(l.LinuxDir(), StubName(generation, specialisation))
}

// EntryPath is the absolute path of a boot entry file.
func (l Layout) EntryPath(generation uint64, specialisation string) string {
	return filepath.Join(l.EntriesDir(), EntryName(generation, specialisation))
}

// ArtifactPath is the absolute path of a content-addressed artifact.
func (l Layout) ArtifactPath(d digest.Digest, kind string) string {
	return filepath.Join(l.ArtifactDir(), ArtifactName(d, kind))
}

// ArtifactRef is the ESP-relative artifact path recorded in stub metadata.
func ArtifactRef(d digest.Digest, kind string) string {
	return path.Join("EFI", "genboot", ArtifactName(d, kind))
}

// StubRef is the ESP-relative stub image path recorded in boot entries.
func StubRef(generation uint64, specialisation string) string {
	return path.Join("EFI", "Linux", StubName(generation, specialisation))
}
