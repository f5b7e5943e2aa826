// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package efivars accesses UEFI variables and the boot manager state.
//
// Variable contents use the UEFI wire formats: UCS-2/UTF-16LE strings with a
// final null code and little-endian integers.
package efivars

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"
)

// Encoding is the UTF-16 flavor used by UEFI string variables.
var Encoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Attribute is a bitmask of UEFI variable attributes.
type Attribute uint32

// Variable attributes per the UEFI specification.
const (
	AttrNonVolatile Attribute = 1 << iota
	AttrBootServiceAccess
	AttrRuntimeAccess
)

// Well-known variable namespaces (vendor GUIDs).
var (
	// ScopeGlobal is the UEFI-specified global variable namespace.
	ScopeGlobal = uuid.MustParse("8be4df61-93ca-11d2-aa0d-00e098032b8c")
	// ScopeSystemd is the vendor namespace of the systemd-boot loader protocol.
	ScopeSystemd = uuid.MustParse("4a67b082-0a4c-41cf-b6c7-440b29bb8c4f")
)

// ReadWriter is the interface to a UEFI variable store.
type ReadWriter interface {
	// Read returns the contents and attributes of a variable.
	// A missing variable is reported via fs.ErrNotExist.
	Read(scope uuid.UUID, name string) ([]byte, Attribute, error)
	// Write creates or replaces a variable.
	Write(scope uuid.UUID, name string, attrs Attribute, data []byte) error
	// Delete removes a variable.
	Delete(scope uuid.UUID, name string) error
	// List returns the variable names present in the given scope.
	List(scope uuid.UUID) ([]string, error)
}

// EncodeString encodes a string into the UEFI UTF-16LE format with a final null code.
func EncodeString(s string) ([]byte, error) {
	if bytes.IndexByte([]byte(s), 0x00) != -1 {
		return nil, fmt.Errorf("string contains invalid null bytes")
	}

	encoded, err := Encoding.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, err
	}

	return append(encoded, 0x00, 0x00), nil
}

// DecodeString decodes a UEFI UTF-16LE string variable.
func DecodeString(data []byte) (string, error) {
	decoded, err := Encoding.NewDecoder().Bytes(data)
	if err != nil {
		return "", err
	}

	return string(bytes.TrimSuffix(decoded, []byte{0})), nil
}

func append16(d []byte, v uint16) []byte {
	return append(d,
		byte(v&0xFF),
		byte(v>>8&0xFF),
	)
}

func append32(d []byte, v uint32) []byte {
	return append(d,
		byte(v&0xFF),
		byte(v>>8&0xFF),
		byte(v>>16&0xFF),
		byte(v>>24&0xFF),
	)
}

func append64(d []byte, v uint64) []byte {
	return append(append32(d, uint32(v&0xFFFFFFFF)), byte(v>>32&0xFF), byte(v>>40&0xFF), byte(v>>48&0xFF), byte(v>>56&0xFF))
}
