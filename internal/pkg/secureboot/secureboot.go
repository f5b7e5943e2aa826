// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package secureboot contains base definitions for the Secure Boot process.
package secureboot

import "github.com/foxboron/go-uefi/efi"

// Section is a name of a PE file section (UEFI binary).
type Section string

// List of well-known section names.
//
// The stub template carries firmware-trusted code; the sections below are
// appended per generation and are covered by the image signature.
const (
	OSRel      Section = ".osrel"
	CMDLine    Section = ".cmdline"
	Generation Section = ".gennum"
	Variant    Section = ".variant"
	KernelPath Section = ".kernelp"
	InitrdPath Section = ".initrdp"
	KernelHash Section = ".kernelh"
	InitrdHash Section = ".initrdh"
)

func (s Section) String() string { return string(s) }

// OrderedSections returns the sections appended to the stub template, in order.
func OrderedSections() []Section {
	// DO NOT REARRANGE
	return []Section{OSRel, CMDLine, Generation, Variant, KernelPath, InitrdPath, KernelHash, InitrdHash}
}

// Enforcing reports whether the firmware enforces Secure Boot.
//
// Setup mode disables enforcement even when the SecureBoot variable reads as enabled.
func Enforcing() bool {
	return efi.GetSecureBoot() && !efi.GetSetupMode()
}
