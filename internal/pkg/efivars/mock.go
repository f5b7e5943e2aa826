// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package efivars

import (
	"io/fs"
	"slices"

	"github.com/google/uuid"
)

// MockVariable is a variable held by the Mock store.
type MockVariable struct {
	Attrs Attribute
	Data  []byte
}

// Mock is an in-memory UEFI variable store for tests.
type Mock struct {
	Variables map[uuid.UUID]map[string]MockVariable
}

// Interface check.
var _ ReadWriter = (*Mock)(nil)

// Read implements ReadWriter.
func (m *Mock) Read(scope uuid.UUID, name string) ([]byte, Attribute, error) {
	v, ok := m.Variables[scope][name]
	if !ok {
		return nil, 0, fs.ErrNotExist
	}

	return v.Data, v.Attrs, nil
}

// Write implements ReadWriter.
func (m *Mock) Write(scope uuid.UUID, name string, attrs Attribute, data []byte) error {
	if m.Variables == nil {
		m.Variables = map[uuid.UUID]map[string]MockVariable{}
	}

	if m.Variables[scope] == nil {
		m.Variables[scope] = map[string]MockVariable{}
	}

	m.Variables[scope][name] = MockVariable{
		Attrs: attrs,
		Data:  slices.Clone(data),
	}

	return nil
}

// Delete implements ReadWriter.
func (m *Mock) Delete(scope uuid.UUID, name string) error {
	if _, ok := m.Variables[scope][name]; !ok {
		return fs.ErrNotExist
	}

	delete(m.Variables[scope], name)

	return nil
}

// List implements ReadWriter.
func (m *Mock) List(scope uuid.UUID) ([]string, error) {
	names := make([]string, 0, len(m.Variables[scope]))

	for name := range m.Variables[scope] {
		names = append(names, name)
	}

	slices.Sort(names)

	return names, nil
}
