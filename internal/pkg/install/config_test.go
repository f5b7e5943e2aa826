// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package install_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/siderolabs/go-pointer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genboot/genboot/internal/pkg/install"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
esp: /efi
osName: Test Linux
loader:
  timeout: 5
  consoleMode: max
concurrency: 4
`), 0o644))

	cfg, err := install.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/efi", cfg.ESP)
	assert.Equal(t, "Test Linux", cfg.OSName)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, pointer.To(5), cfg.Loader.Timeout)
}

func TestLoadConfigUnknownField(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("esp: /efi\nbogus: true\n"), 0o644))

	_, err := install.LoadConfig(path)
	require.Error(t, err)
}

func TestLoaderConfigRender(t *testing.T) {
	t.Parallel()

	assert.Empty(t, install.LoaderConfig{}.Render())

	rendered := install.LoaderConfig{
		Timeout:     pointer.To(0),
		ConsoleMode: "keep",
		Default:     "genboot-*",
	}.Render()

	assert.Equal(t, "timeout 0\nconsole-mode keep\ndefault genboot-*\n", string(rendered))
}
