// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pe

import (
	debugpe "debug/pe"
	"fmt"
)

// ReadSections reads the named sections from the PE image.
//
// Sections absent from the image are absent from the returned map;
// the caller decides which sections are required.
func ReadSections(imagePath string, names ...string) (map[string][]byte, error) {
	peFile, err := debugpe.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", imagePath, err)
	}

	defer peFile.Close() //nolint:errcheck

	result := make(map[string][]byte, len(names))

	for _, name := range names {
		section := peFile.Section(name)
		if section == nil {
			continue
		}

		data, err := section.Data()
		if err != nil {
			return nil, fmt.Errorf("failed to read section %s: %w", name, err)
		}

		// raw data is padded up to the file alignment
		if uint32(len(data)) > section.VirtualSize {
			data = data[:section.VirtualSize]
		}

		result[name] = data
	}

	return result, nil
}
