// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package digest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/siderolabs/gen/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genboot/genboot/internal/pkg/digest"
)

func TestArtifact(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "kernel")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	d, err := digest.Artifact(path)
	require.NoError(t, err)

	assert.Equal(t, "sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", d.String())

	// deterministic
	d2, err := digest.Artifact(path)
	require.NoError(t, err)
	assert.Equal(t, d, d2)

	assert.Equal(t, d, digest.Bytes([]byte("hello world")))
}

func TestArtifactUnreadable(t *testing.T) {
	t.Parallel()

	_, err := digest.Artifact(filepath.Join(t.TempDir(), "no-such-artifact"))
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[digest.ArtifactUnreadableTag](err))
}

func TestParse(t *testing.T) {
	t.Parallel()

	d, err := digest.Parse("sha256:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9")
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", d.Encoded())

	_, err = digest.Parse("sha512:0cf9180a764aba863a67b6d72f0918bc131c6772642cb2dce5a34f0a702f9470ddc2bf125c12198b1995c233c34b4afd346c54a2334c350a948a51b6e8b4e6b6")
	require.Error(t, err)

	_, err = digest.Parse("not-a-digest")
	require.Error(t, err)
}
