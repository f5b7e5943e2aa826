// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package install

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Entry is one boot loader specification entry under loader/entries.
type Entry struct {
	Generation     uint64
	Specialisation string

	Title   string
	Version string
	SortKey string
	// EFI is the loader-side path of the stub image, backslash-free with a
	// leading slash as the boot loader specification prescribes.
	EFI string
}

var entryNameRegexp = regexp.MustCompile(`^genboot-(\d+)(?:-([^/\\ ]+))?\.conf$`)

// NewEntry derives the boot entry for a generation variant.
func NewEntry(osName string, generation uint64, specialisation string) *Entry {
	title := osName
	if specialisation != "" {
		title = fmt.Sprintf("%s (%s)", osName, specialisation)
	}

	return &Entry{
		Generation:     generation,
		Specialisation: specialisation,
		Title:          title,
		Version:        fmt.Sprintf("Generation %d", generation),
		SortKey:        "genboot",
		EFI:            "/" + StubRef(generation, specialisation),
	}
}

// Render produces the entry file contents.
func (e *Entry) Render() []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "title %s\n", e.Title)
	fmt.Fprintf(&buf, "version %s\n", e.Version)
	fmt.Fprintf(&buf, "sort-key %s\n", e.SortKey)
	fmt.Fprintf(&buf, "efi %s\n", e.EFI)

	return buf.Bytes()
}

// ParseEntry parses an entry file; the generation variant is carried by the
// filename, the contents carry the display fields.
func ParseEntry(filename string, data []byte) (*Entry, error) {
	m := entryNameRegexp.FindStringSubmatch(filename)
	if m == nil {
		return nil, fmt.Errorf("not a managed boot entry: %s", filename)
	}

	generation, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed boot entry name %s: %w", filename, err)
	}

	entry := &Entry{
		Generation:     generation,
		Specialisation: m[2],
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, _ := strings.Cut(line, " ")

		switch key {
		case "title":
			entry.Title = value
		case "version":
			entry.Version = value
		case "sort-key":
			entry.SortKey = value
		case "efi":
			entry.EFI = value
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if entry.EFI == "" {
		return nil, fmt.Errorf("boot entry %s has no efi line", filename)
	}

	return entry, nil
}

// ListEntries enumerates the managed boot entries on the boot partition.
//
// Foreign entry files (other tools, the user's own) are left alone.
func ListEntries(layout Layout) ([]*Entry, error) {
	dirEntries, err := os.ReadDir(layout.EntriesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, err
	}

	var entries []*Entry //nolint:prealloc

	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() || !entryNameRegexp.MatchString(dirEntry.Name()) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(layout.EntriesDir(), dirEntry.Name()))
		if err != nil {
			return nil, err
		}

		entry, err := ParseEntry(dirEntry.Name(), data)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	slices.SortFunc(entries, compareEntries)

	return entries, nil
}

// MostRecent picks the default boot candidate: the highest generation number,
// and within it a specialisation over the plain generation, with the stub
// image installed last breaking ties between specialisations. Install order
// alone cannot rank the variants: a re-run that rewrites only the parent's
// stub leaves the unchanged specialisation with the older mtime.
func MostRecent(layout Layout) (*Entry, error) {
	entries, err := ListEntries(layout)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("no managed boot entries found in %s", layout.EntriesDir())
	}

	maxGeneration := entries[len(entries)-1].Generation

	var (
		best      *Entry
		bestMtime int64
	)

	for _, entry := range entries {
		if entry.Generation != maxGeneration {
			continue
		}

		fi, err := os.Stat(layout.StubPath(entry.Generation, entry.Specialisation))
		if err != nil {
			// an entry without its stub is unbootable, skip it
			continue
		}

		switch {
		case best == nil:
		case entry.Specialisation != "" && best.Specialisation == "":
		case entry.Specialisation == "" && best.Specialisation != "":
			continue
		case fi.ModTime().UnixNano() < bestMtime:
			continue
		}

		best = entry
		bestMtime = fi.ModTime().UnixNano()
	}

	if best == nil {
		return nil, fmt.Errorf("no boot entry of generation %d has a stub image", maxGeneration)
	}

	return best, nil
}

func compareEntries(a, b *Entry) int {
	if a.Generation != b.Generation {
		if a.Generation < b.Generation {
			return -1
		}

		return 1
	}

	return strings.Compare(a.Specialisation, b.Specialisation)
}
