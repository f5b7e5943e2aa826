// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package version provides the build identification of genboot.
package version

import "fmt"

var (
	// Name is the project name.
	Name = "genboot"
	// Tag is the release tag, overridden via -ldflags at build time.
	Tag = "v0.1.0"
	// SHA is the git commit, overridden via -ldflags at build time.
	SHA = "dirty"
)

// StubInfo returns the provenance string exported via the StubInfo loader variable.
func StubInfo() string {
	return fmt.Sprintf("%s %s", Name, Tag)
}
