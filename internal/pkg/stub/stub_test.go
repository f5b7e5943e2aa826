// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package stub_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/siderolabs/crypto/x509"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genboot/genboot/internal/pkg/digest"
	"github.com/genboot/genboot/internal/pkg/pe/petest"
	"github.com/genboot/genboot/internal/pkg/pesign"
	"github.com/genboot/genboot/internal/pkg/stub"
)

func testSigner(t *testing.T, dir string) *pesign.Signer {
	t.Helper()

	currentTime := time.Now()

	ca, err := x509.NewSelfSignedCertificateAuthority(
		x509.RSA(true),
		x509.Bits(2048),
		x509.CommonName("stub-test"),
		x509.Organization("stub-test"),
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

func TestBuildExtractRoundTrip(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()

	builder := &stub.Builder{
		StubPath:       petest.WriteStub(t, tmpDir),
		OSName:         "Test Linux",
		Generation:     4,
		Specialisation: "work",
		Cmdline:        "console=ttyS0 quiet",
		KernelPath:     "EFI/genboot/sha256-aaaa-kernel",
		InitrdPath:     "EFI/genboot/sha256-bbbb-initrd",
		KernelDigest:   digest.Bytes([]byte("kernel")),
		InitrdDigest:   digest.Bytes([]byte("initrd")),
		PESigner:       testSigner(t, tmpDir),
		OutPath:        filepath.Join(tmpDir, "genboot-4-work.efi"),
	}

	require.NoError(t, builder.Build(t.Logf))

	extracted, err := stub.Extract(builder.OutPath)
	require.NoError(t, err)

	assert.True(t, extracted.Equal(builder.Metadata()))
}

func TestBuildPlainGeneration(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()

	builder := &stub.Builder{
		StubPath:     petest.WriteStub(t, tmpDir),
		OSName:       "Test Linux",
		Generation:   1,
		Cmdline:      "ro",
		KernelPath:   "EFI/genboot/sha256-cccc-kernel",
		InitrdPath:   "EFI/genboot/sha256-dddd-initrd",
		KernelDigest: digest.Bytes([]byte("k1")),
		InitrdDigest: digest.Bytes([]byte("i1")),
		PESigner:     testSigner(t, tmpDir),
		OutPath:      filepath.Join(tmpDir, "genboot-1.efi"),
	}

	require.NoError(t, builder.Build(t.Logf))

	extracted, err := stub.Extract(builder.OutPath)
	require.NoError(t, err)

	assert.Empty(t, extracted.Specialisation)
	assert.EqualValues(t, 1, extracted.Generation)
}

func TestBuildIncompleteMetadata(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()

	builder := &stub.Builder{
		StubPath: petest.WriteStub(t, tmpDir),
		OSName:   "Test Linux",
		PESigner: testSigner(t, tmpDir),
		OutPath:  filepath.Join(tmpDir, "out.efi"),
	}

	require.Error(t, builder.Build(t.Logf))
}

func TestExtractNotAStub(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()

	// a valid PE without metadata sections is not a stub image
	_, err := stub.Extract(petest.WriteStub(t, tmpDir))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}
