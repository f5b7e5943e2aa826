// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package digest computes content digests of boot artifacts.
//
// The digest computed at install time is embedded into the signed stub image
// and compared byte-for-byte at verification time, so the algorithm is fixed:
// changing it invalidates every installed generation.
package digest

import (
	"fmt"
	"os"

	godigest "github.com/opencontainers/go-digest"
	"github.com/siderolabs/gen/xerrors"
)

// Digest is a content digest in canonical `<algorithm>:<hex>` form.
type Digest = godigest.Digest

// Algorithm is the fixed digest algorithm for boot artifacts.
const Algorithm = godigest.SHA256

// ArtifactUnreadableTag tags errors caused by an artifact which could not be read.
type ArtifactUnreadableTag struct{}

// Artifact computes the digest of the artifact file contents.
func Artifact(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.NewTaggedf[ArtifactUnreadableTag]("artifact unreadable: %w", err)
	}

	defer f.Close() //nolint:errcheck

	d, err := Algorithm.FromReader(f)
	if err != nil {
		return "", xerrors.NewTaggedf[ArtifactUnreadableTag]("artifact unreadable: %w", err)
	}

	return d, nil
}

// Bytes computes the digest of an in-memory artifact.
func Bytes(data []byte) Digest {
	return Algorithm.FromBytes(data)
}

// Parse validates a digest in canonical form and checks the algorithm.
func Parse(s string) (Digest, error) {
	d, err := godigest.Parse(s)
	if err != nil {
		return "", fmt.Errorf("malformed digest %q: %w", s, err)
	}

	if d.Algorithm() != Algorithm {
		return "", fmt.Errorf("unexpected digest algorithm %q", d.Algorithm())
	}

	return d, nil
}
