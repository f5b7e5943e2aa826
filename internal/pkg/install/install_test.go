// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package install_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/siderolabs/crypto/x509"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/genboot/genboot/internal/pkg/digest"
	"github.com/genboot/genboot/internal/pkg/install"
	"github.com/genboot/genboot/internal/pkg/manifest"
	"github.com/genboot/genboot/internal/pkg/pe/petest"
	"github.com/genboot/genboot/internal/pkg/pesign"
	"github.com/genboot/genboot/internal/pkg/stub"
)

type testEnv struct {
	installer *install.Installer
	layout    install.Layout

	esp       string
	artifacts string
}

func testSigner(t *testing.T, dir string) *pesign.Signer {
	t.Helper()

	currentTime := time.Now()

	ca, err := x509.NewSelfSignedCertificateAuthority(
		x509.RSA(true),
		x509.Bits(2048),
		x509.CommonName("install-test"),
		x509.Organization("install-test"),
		x509.NotBefore(currentTime),
		x509.NotAfter(currentTime.Add(time.Hour)),
	)
	require.NoError(t, err)

	keyPath := filepath.Join(dir, "key.pem")
	certPath := filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(keyPath, ca.KeyPEM, 0o600))
	require.NoError(t, os.WriteFile(certPath, ca.CrtPEM, 0o600))

	provider, err := pesign.NewFileSigner(keyPath, certPath)
	require.NoError(t, err)

	signer, err := pesign.NewSigner(provider)
	require.NoError(t, err)

	return signer
}

func buildEnv(t *testing.T) *testEnv {
	t.Helper()

	tmpDir := t.TempDir()
	esp := filepath.Join(tmpDir, "esp")
	artifacts := filepath.Join(tmpDir, "artifacts")

	require.NoError(t, os.MkdirAll(esp, 0o755))
	require.NoError(t, os.MkdirAll(artifacts, 0o755))

	installer, err := install.NewInstaller(install.Options{
		Config: &install.Config{
			ESP:         esp,
			OSName:      "Test Linux",
			Concurrency: 2,
		},
		Signer:       testSigner(t, tmpDir),
		StubTemplate: petest.WriteStub(t, tmpDir),
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	return &testEnv{
		installer: installer,
		layout:    install.Layout{Root: esp},
		esp:       esp,
		artifacts: artifacts,
	}
}

func (env *testEnv) writeArtifact(t *testing.T, name string, contents []byte) string {
	t.Helper()

	path := filepath.Join(env.artifacts, name)
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	return path
}

func (env *testEnv) document(t *testing.T, generation uint64, kernel, initrd []byte) *manifest.Document {
	t.Helper()

	doc, err := manifest.Parse(marshal(t, map[string]any{
		"schemaVersion": 1,
		"generation":    generation,
		"kernel":        env.writeArtifact(t, fmt.Sprintf("kernel-%d", generation), kernel),
		"initrd":        env.writeArtifact(t, fmt.Sprintf("initrd-%d", generation), initrd),
		"kernelParams":  []string{"console=ttyS0", "ro"},
	}))
	require.NoError(t, err)

	return doc
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()

	data, err := json.Marshal(v)
	require.NoError(t, err)

	return data
}

func TestInstallRoundTrip(t *testing.T) {
	t.Parallel()

	env := buildEnv(t)

	kernel := []byte("kernel image v1")
	initrd := []byte("initrd image v1")

	doc := env.document(t, 1, kernel, initrd)

	require.NoError(t, env.installer.InstallAll(context.Background(), []*manifest.Document{doc}))

	stubPath := env.layout.StubPath(1, "")
	metadata, err := stub.Extract(stubPath)
	require.NoError(t, err)

	// the digests recorded in the stub are the digests of the inputs
	assert.Equal(t, digest.Bytes(kernel), metadata.KernelDigest)
	assert.Equal(t, digest.Bytes(initrd), metadata.InitrdDigest)
	assert.Equal(t, "console=ttyS0 ro", metadata.Cmdline)

	// the referenced artifacts exist and carry the referenced contents
	published, err := os.ReadFile(filepath.Join(env.esp, filepath.FromSlash(metadata.KernelPath)))
	require.NoError(t, err)
	assert.Equal(t, kernel, published)

	entries, err := install.ListEntries(env.layout)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Test Linux", entries[0].Title)
	assert.Equal(t, "/EFI/Linux/genboot-1.efi", entries[0].EFI)
}

func TestInstallIdempotent(t *testing.T) {
	t.Parallel()

	env := buildEnv(t)

	doc := env.document(t, 3, []byte("kernel"), []byte("initrd"))

	require.NoError(t, env.installer.InstallAll(context.Background(), []*manifest.Document{doc}))

	first, err := os.ReadFile(env.layout.StubPath(3, ""))
	require.NoError(t, err)

	// unchanged input produces no new signature
	require.NoError(t, env.installer.InstallAll(context.Background(), []*manifest.Document{doc}))

	second, err := os.ReadFile(env.layout.StubPath(3, ""))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestInstallSecretChange(t *testing.T) {
	t.Parallel()

	env := buildEnv(t)

	secretPath := env.writeArtifact(t, "machine.key", []byte("key material v1"))

	doc, err := manifest.Parse(marshal(t, map[string]any{
		"schemaVersion": 1,
		"generation":    1,
		"kernel":        env.writeArtifact(t, "kernel", []byte("kernel")),
		"initrd":        env.writeArtifact(t, "initrd", []byte("initrd")),
		"initrdSecrets": map[string]string{"/etc/machine.key": secretPath},
	}))
	require.NoError(t, err)

	require.NoError(t, env.installer.InstallAll(context.Background(), []*manifest.Document{doc}))

	before, err := stub.Extract(env.layout.StubPath(1, ""))
	require.NoError(t, err)

	// the effective initrd includes the secrets, so its digest differs from
	// the base image
	assert.NotEqual(t, digest.Bytes([]byte("initrd")), before.InitrdDigest)

	// re-keying the secret in place must produce a new stub
	require.NoError(t, os.WriteFile(secretPath, []byte("key material v2"), 0o644))

	require.NoError(t, env.installer.InstallAll(context.Background(), []*manifest.Document{doc}))

	after, err := stub.Extract(env.layout.StubPath(1, ""))
	require.NoError(t, err)

	assert.NotEqual(t, before.InitrdDigest, after.InitrdDigest)
	assert.Equal(t, before.KernelDigest, after.KernelDigest)

	// both initrd variants remain content-addressed on disk
	_, err = os.Stat(filepath.Join(env.esp, filepath.FromSlash(after.InitrdPath)))
	require.NoError(t, err)
}

func TestInstallRestoresEntry(t *testing.T) {
	t.Parallel()

	env := buildEnv(t)

	doc := env.document(t, 1, []byte("kernel"), []byte("initrd"))
	require.NoError(t, env.installer.InstallAll(context.Background(), []*manifest.Document{doc}))

	stubBefore, err := os.ReadFile(env.layout.StubPath(1, ""))
	require.NoError(t, err)

	metadata, err := stub.Extract(env.layout.StubPath(1, ""))
	require.NoError(t, err)

	// simulate a crash after the stub rename: the entry and an artifact are gone
	require.NoError(t, os.Remove(env.layout.EntryPath(1, "")))
	require.NoError(t, os.Remove(filepath.Join(env.esp, filepath.FromSlash(metadata.KernelPath))))

	require.NoError(t, env.installer.InstallAll(context.Background(), []*manifest.Document{doc}))

	// the re-run skips the signing but restores the lost files
	entries, err := install.ListEntries(env.layout)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/EFI/Linux/genboot-1.efi", entries[0].EFI)

	published, err := os.ReadFile(filepath.Join(env.esp, filepath.FromSlash(metadata.KernelPath)))
	require.NoError(t, err)
	assert.Equal(t, []byte("kernel"), published)

	stubAfter, err := os.ReadFile(env.layout.StubPath(1, ""))
	require.NoError(t, err)
	assert.Equal(t, stubBefore, stubAfter)
}

func TestInstallSpecialisations(t *testing.T) {
	t.Parallel()

	env := buildEnv(t)

	doc, err := manifest.Parse(marshal(t, map[string]any{
		"schemaVersion": 1,
		"generation":    7,
		"kernel":        env.writeArtifact(t, "kernel", []byte("kernel")),
		"initrd":        env.writeArtifact(t, "initrd", []byte("initrd")),
		"specialisations": map[string]any{
			"work": map[string]any{
				"kernel":       env.writeArtifact(t, "kernel-work", []byte("kernel work")),
				"initrd":       env.writeArtifact(t, "initrd-work", []byte("initrd work")),
				"kernelParams": []string{"quiet"},
			},
		},
	}))
	require.NoError(t, err)

	require.NoError(t, env.installer.InstallAll(context.Background(), []*manifest.Document{doc}))

	entries, err := install.ListEntries(env.layout)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "", entries[0].Specialisation)
	assert.Equal(t, "work", entries[1].Specialisation)
	assert.Equal(t, "Test Linux (work)", entries[1].Title)

	metadata, err := stub.Extract(env.layout.StubPath(7, "work"))
	require.NoError(t, err)
	assert.Equal(t, "work", metadata.Specialisation)
	assert.Equal(t, digest.Bytes([]byte("kernel work")), metadata.KernelDigest)

	// the specialisation is installed after its parent, so it is the most
	// recent variant of the shared generation number
	recent, err := install.MostRecent(env.layout)
	require.NoError(t, err)
	assert.Equal(t, "work", recent.Specialisation)
}

func TestInstallParentOnlyChange(t *testing.T) {
	t.Parallel()

	env := buildEnv(t)

	base := map[string]any{
		"schemaVersion": 1,
		"generation":    7,
		"kernel":        env.writeArtifact(t, "kernel", []byte("kernel")),
		"initrd":        env.writeArtifact(t, "initrd", []byte("initrd")),
		"kernelParams":  []string{"ro"},
		"specialisations": map[string]any{
			"work": map[string]any{
				"kernel":       env.writeArtifact(t, "kernel-work", []byte("kernel work")),
				"initrd":       env.writeArtifact(t, "initrd-work", []byte("initrd work")),
				"kernelParams": []string{"quiet"},
			},
		},
	}

	doc, err := manifest.Parse(marshal(t, base))
	require.NoError(t, err)

	require.NoError(t, env.installer.InstallAll(context.Background(), []*manifest.Document{doc}))

	// only the parent changes: its stub is rewritten with a fresh mtime while
	// the unchanged specialisation is skipped
	base["kernelParams"] = []string{"ro", "debug"}

	doc, err = manifest.Parse(marshal(t, base))
	require.NoError(t, err)

	require.NoError(t, env.installer.InstallAll(context.Background(), []*manifest.Document{doc}))

	metadata, err := stub.Extract(env.layout.StubPath(7, ""))
	require.NoError(t, err)
	assert.Equal(t, "ro debug", metadata.Cmdline)

	// the specialisation still outranks the freshly rewritten parent
	recent, err := install.MostRecent(env.layout)
	require.NoError(t, err)
	assert.Equal(t, "work", recent.Specialisation)
}

func TestInstallFailureIsolated(t *testing.T) {
	t.Parallel()

	env := buildEnv(t)

	good := env.document(t, 1, []byte("kernel"), []byte("initrd"))

	require.NoError(t, env.installer.InstallAll(context.Background(), []*manifest.Document{good}))

	// generation 2 references a kernel that does not exist
	broken, err := manifest.Parse(marshal(t, map[string]any{
		"schemaVersion": 1,
		"generation":    2,
		"kernel":        filepath.Join(env.artifacts, "no-such-kernel"),
		"initrd":        env.writeArtifact(t, "initrd", []byte("initrd")),
	}))
	require.NoError(t, err)

	gen3 := env.document(t, 3, []byte("kernel gen3"), []byte("initrd gen3"))

	err = env.installer.InstallAll(context.Background(), []*manifest.Document{broken, gen3})
	require.Error(t, err)

	var installErr *install.InstallError

	require.True(t, errors.As(err, &installErr))
	assert.EqualValues(t, 2, installErr.Generation)
	assert.Equal(t, install.StageResolve, installErr.Stage)

	// the failing generation blocks neither the previous nor the parallel one
	_, err = os.Stat(env.layout.StubPath(1, ""))
	require.NoError(t, err)
	_, err = os.Stat(env.layout.StubPath(3, ""))
	require.NoError(t, err)

	_, err = os.Stat(env.layout.EntryPath(2, ""))
	require.True(t, os.IsNotExist(err))
}

func TestInstallCrashSafety(t *testing.T) {
	t.Parallel()

	env := buildEnv(t)

	doc := env.document(t, 1, []byte("kernel"), []byte("initrd"))
	require.NoError(t, env.installer.InstallAll(context.Background(), []*manifest.Document{doc}))

	// a later install run with a corrupt stub template fails at signing
	brokenTemplate := env.writeArtifact(t, "broken.efi", []byte("this is not a PE image"))

	brokenInstaller, err := install.NewInstaller(install.Options{
		Config: &install.Config{
			ESP:         env.esp,
			OSName:      "Test Linux",
			Concurrency: 1,
		},
		Signer:       testSigner(t, t.TempDir()),
		StubTemplate: brokenTemplate,
		Logger:       zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	gen2 := env.document(t, 2, []byte("kernel gen2"), []byte("initrd gen2"))

	err = brokenInstaller.InstallAll(context.Background(), []*manifest.Document{gen2})
	require.Error(t, err)

	var installErr *install.InstallError

	require.True(t, errors.As(err, &installErr))
	assert.Equal(t, install.StageSign, installErr.Stage)

	// no half-installed generation 2: no entry, no stub
	_, err = os.Stat(env.layout.EntryPath(2, ""))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(env.layout.StubPath(2, ""))
	require.True(t, os.IsNotExist(err))

	// generation 1 is untouched and still the boot candidate
	recent, err := install.MostRecent(env.layout)
	require.NoError(t, err)
	assert.EqualValues(t, 1, recent.Generation)
}

func TestInstallDuplicateGenerations(t *testing.T) {
	t.Parallel()

	env := buildEnv(t)

	a := env.document(t, 5, []byte("kernel a"), []byte("initrd a"))
	b := env.document(t, 5, []byte("kernel b"), []byte("initrd b"))

	err := env.installer.InstallAll(context.Background(), []*manifest.Document{a, b})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate generation")

	// rejected before anything was written
	_, err = os.Stat(env.layout.StubPath(5, ""))
	require.True(t, os.IsNotExist(err))
}

func TestPrune(t *testing.T) {
	t.Parallel()

	env := buildEnv(t)

	var docs []*manifest.Document

	for generation := uint64(1); generation <= 3; generation++ {
		docs = append(docs, env.document(t, generation,
			[]byte("kernel gen "+string(rune('0'+generation))),
			[]byte("initrd gen "+string(rune('0'+generation)))))
	}

	require.NoError(t, env.installer.InstallAll(context.Background(), docs))

	require.NoError(t, env.installer.Prune(2))

	_, err := os.Stat(env.layout.StubPath(1, ""))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(env.layout.EntryPath(1, ""))
	require.True(t, os.IsNotExist(err))

	for generation := uint64(2); generation <= 3; generation++ {
		metadata, err := stub.Extract(env.layout.StubPath(generation, ""))
		require.NoError(t, err)

		// surviving generations keep their artifacts
		_, err = os.Stat(filepath.Join(env.esp, filepath.FromSlash(metadata.KernelPath)))
		require.NoError(t, err)
	}

	// generation 1's artifacts are unreferenced and gone
	artifacts, err := os.ReadDir(env.layout.ArtifactDir())
	require.NoError(t, err)
	assert.Len(t, artifacts, 4)
}
