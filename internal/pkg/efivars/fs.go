// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package efivars

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// DefaultMountPoint is where Linux exposes the UEFI variable store.
const DefaultMountPoint = "/sys/firmware/efi/efivars"

// FilesystemReaderWriter accesses UEFI variables through efivarfs.
//
// The efivarfs file format prefixes the variable contents with the 4-byte
// little-endian attribute mask.
type FilesystemReaderWriter struct {
	root string
}

// Interface check.
var _ ReadWriter = (*FilesystemReaderWriter)(nil)

// NewFilesystemReaderWriter returns a ReadWriter rooted at the given efivarfs
// mount point, or at DefaultMountPoint if root is empty.
func NewFilesystemReaderWriter(root string) *FilesystemReaderWriter {
	if root == "" {
		root = DefaultMountPoint
	}

	return &FilesystemReaderWriter{root: root}
}

func (rw *FilesystemReaderWriter) path(scope uuid.UUID, name string) string {
	return filepath.Join(rw.root, fmt.Sprintf("%s-%s", name, scope))
}

// Read implements ReadWriter.
func (rw *FilesystemReaderWriter) Read(scope uuid.UUID, name string) ([]byte, Attribute, error) {
	data, err := os.ReadFile(rw.path(scope, name))
	if err != nil {
		return nil, 0, err
	}

	if len(data) < 4 {
		return nil, 0, fmt.Errorf("invalid efivarfs file %s: %d bytes", rw.path(scope, name), len(data))
	}

	return data[4:], Attribute(binary.LittleEndian.Uint32(data[:4])), nil
}

// Write implements ReadWriter.
func (rw *FilesystemReaderWriter) Write(scope uuid.UUID, name string, attrs Attribute, data []byte) error {
	buf := make([]byte, 0, len(data)+4)
	buf = append32(buf, uint32(attrs))
	buf = append(buf, data...)

	return os.WriteFile(rw.path(scope, name), buf, 0o644)
}

// Delete implements ReadWriter.
func (rw *FilesystemReaderWriter) Delete(scope uuid.UUID, name string) error {
	return os.Remove(rw.path(scope, name))
}

// List implements ReadWriter.
func (rw *FilesystemReaderWriter) List(scope uuid.UUID) ([]string, error) {
	entries, err := os.ReadDir(rw.root)
	if err != nil {
		return nil, err
	}

	suffix := "-" + scope.String()

	var names []string //nolint:prealloc

	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}

		names = append(names, strings.TrimSuffix(entry.Name(), suffix))
	}

	slices.Sort(names)

	return names, nil
}
