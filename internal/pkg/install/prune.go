// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package install

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/gen/maps"
	"go.uber.org/zap"

	"github.com/genboot/genboot/internal/pkg/stub"
)

// Prune removes all but the newest keep generations from the boot partition.
//
// A generation is removed with all its variants: the entry files go first so
// the boot menu never points at a missing stub, then the stubs, then any
// artifact no surviving stub references. Stale staged files from interrupted
// installs are swept as well.
func (i *Installer) Prune(keep int) error {
	if keep < 1 {
		return fmt.Errorf("at least one generation must be kept")
	}

	unlock, err := i.lock()
	if err != nil {
		return err
	}

	defer unlock()

	entries, err := ListEntries(i.layout)
	if err != nil {
		return err
	}

	generations := map[uint64]struct{}{}
	for _, entry := range entries {
		generations[entry.Generation] = struct{}{}
	}

	ordered := maps.Keys(generations)
	slices.Sort(ordered)
	slices.Reverse(ordered)

	kept := map[uint64]struct{}{}
	for _, generation := range ordered[:min(keep, len(ordered))] {
		kept[generation] = struct{}{}
	}

	var merr *multierror.Error

	for _, entry := range entries {
		if _, ok := kept[entry.Generation]; ok {
			continue
		}

		i.logger.Info("pruning generation variant",
			zap.Uint64("generation", entry.Generation),
			zap.String("specialisation", entry.Specialisation))

		if err = os.Remove(i.layout.EntryPath(entry.Generation, entry.Specialisation)); err != nil && !os.IsNotExist(err) {
			merr = multierror.Append(merr, err)

			continue
		}

		if err = os.Remove(i.layout.StubPath(entry.Generation, entry.Specialisation)); err != nil && !os.IsNotExist(err) {
			merr = multierror.Append(merr, err)
		}
	}

	if err = i.pruneArtifacts(); err != nil {
		merr = multierror.Append(merr, err)
	}

	if err = i.sweepStaged(); err != nil {
		merr = multierror.Append(merr, err)
	}

	return merr.ErrorOrNil()
}

// pruneArtifacts removes content-addressed artifacts no stub references.
func (i *Installer) pruneArtifacts() error {
	referenced := map[string]struct{}{}

	stubs, err := os.ReadDir(i.layout.LinuxDir())
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	for _, dirEntry := range stubs {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), ".efi") {
			continue
		}

		metadata, err := stub.Extract(filepath.Join(i.layout.LinuxDir(), dirEntry.Name()))
		if err != nil {
			// not one of ours, leave its artifacts alone by not knowing them
			continue
		}

		referenced[filepath.Base(metadata.KernelPath)] = struct{}{}
		referenced[filepath.Base(metadata.InitrdPath)] = struct{}{}
	}

	artifacts, err := os.ReadDir(i.layout.ArtifactDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return err
	}

	var merr *multierror.Error

	for _, dirEntry := range artifacts {
		if dirEntry.IsDir() || strings.HasSuffix(dirEntry.Name(), ".tmp") {
			continue
		}

		if _, ok := referenced[dirEntry.Name()]; ok {
			continue
		}

		i.logger.Info("pruning unreferenced artifact", zap.String("artifact", dirEntry.Name()))

		if err = os.Remove(filepath.Join(i.layout.ArtifactDir(), dirEntry.Name())); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	return merr.ErrorOrNil()
}

// sweepStaged removes leftover staged files from interrupted installs.
func (i *Installer) sweepStaged() error {
	var merr *multierror.Error

	for _, dir := range []string{i.layout.LinuxDir(), i.layout.ArtifactDir(), i.layout.EntriesDir()} {
		staged, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
		if err != nil {
			return err
		}

		for _, path := range staged {
			i.logger.Info("removing stale staged file", zap.String("path", path))

			if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
				merr = multierror.Append(merr, err)
			}
		}
	}

	return merr.ErrorOrNil()
}
