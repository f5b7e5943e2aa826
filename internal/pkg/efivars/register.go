// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package efivars

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"

	"github.com/google/uuid"
	"github.com/siderolabs/go-blockdevice/v2/blkid"
)

// ESPTypeGUID is the GPT partition type of the EFI system partition.
var ESPTypeGUID = uuid.MustParse("c12a7328-f81f-11d2-ba4b-00a0c93ec93b")

// RegisterBootEntry makes the firmware boot manager aware of the loader at
// loaderPath on the EFI system partition of the probed disk.
//
// An existing entry with the same description is reused if its device path
// still matches; stale duplicates are removed together with their BootOrder
// references. The entry ends up first in BootOrder either way.
//
//nolint:gocyclo,cyclop
func RegisterBootEntry(rw ReadWriter, info *blkid.Info, printf func(string, ...any), description, loaderPath string) error {
	esp, err := findESP(info)
	if err != nil {
		return err
	}

	sectorSize := uint64(info.SectorSize)
	if sectorSize == 0 {
		sectorSize = 512
	}

	option := &LoadOption{
		Description: description,
		FilePath: DevicePath{
			HardDrivePath{
				PartitionNumber: uint32(esp.PartitionIndex),
				PartitionStart:  esp.PartitionOffset / sectorSize,
				PartitionSize:   esp.PartitionSize / sectorSize,
				PartitionUUID:   *esp.PartitionUUID,
			},
			FilePath(loaderPath),
		},
	}

	entries, err := ListBootEntries(rw)
	if err != nil {
		return fmt.Errorf("failed to list boot entries: %w", err)
	}

	order, err := GetBootOrder(rw)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read BootOrder: %w", err)
	}

	indices := make([]int, 0, len(entries))
	for idx := range entries {
		indices = append(indices, idx)
	}

	slices.Sort(indices)

	idx := -1

	for _, candidate := range indices {
		if entries[candidate].Description != description {
			continue
		}

		if idx == -1 {
			idx = candidate

			continue
		}

		// stale duplicates confuse the firmware's fallback logic
		printf("Removing existing %s boot entry at index %d", description, candidate)

		if err = DeleteBootEntry(rw, candidate); err != nil {
			return fmt.Errorf("failed to delete duplicate boot entry %d: %w", candidate, err)
		}

		order = slices.DeleteFunc(order, func(v uint16) bool { return int(v) == candidate })
	}

	if idx == -1 {
		idx, err = AddBootEntry(rw, option)
		if err != nil {
			return fmt.Errorf("failed to add boot entry: %w", err)
		}
	} else if err = SetBootEntry(rw, idx, option); err != nil {
		return fmt.Errorf("failed to update boot entry %d: %w", idx, err)
	}

	order = dedupeOrder(order)

	if len(order) > 0 && int(order[0]) == idx {
		printf("%s boot entry at index %d is already first in BootOrder: %v", description, idx, order)

		return SetBootOrder(rw, order)
	}

	order = slices.DeleteFunc(order, func(v uint16) bool { return int(v) == idx })
	order = append(BootOrder{uint16(idx)}, order...)

	printf("setting %s boot entry at index %d as first in BootOrder: %v", description, idx, order)

	return SetBootOrder(rw, order)
}

func findESP(info *blkid.Info) (*blkid.NestedProbeResult, error) {
	for i, part := range info.Parts {
		if part.PartitionType == nil || *part.PartitionType != ESPTypeGUID {
			continue
		}

		if part.PartitionUUID == nil {
			return nil, errors.New("EFI system partition has no partition UUID")
		}

		return &info.Parts[i], nil
	}

	return nil, errors.New("no EFI system partition found on the boot disk")
}

func dedupeOrder(order BootOrder) BootOrder {
	seen := map[uint16]struct{}{}

	out := make(BootOrder, 0, len(order))

	for _, v := range order {
		if _, ok := seen[v]; ok {
			continue
		}

		seen[v] = struct{}{}

		out = append(out, v)
	}

	return out
}
