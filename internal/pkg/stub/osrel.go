// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package stub

import (
	"fmt"
	"strings"
)

// osRelease renders the .osrel section contents.
//
// Boot menus derive the entry title from PRETTY_NAME, so the generation
// number and specialisation must be visible there.
func osRelease(name string, generation uint64, specialisation string) []byte {
	pretty := fmt.Sprintf("%s (generation %d)", name, generation)
	if specialisation != "" {
		pretty = fmt.Sprintf("%s (generation %d, %s)", name, generation, specialisation)
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "NAME=%q\n", name)
	fmt.Fprintf(&sb, "ID=%s\n", strings.ToLower(strings.ReplaceAll(name, " ", "-")))
	fmt.Fprintf(&sb, "VERSION_ID=%d\n", generation)
	fmt.Fprintf(&sb, "PRETTY_NAME=%q\n", pretty)

	return []byte(sb.String())
}
