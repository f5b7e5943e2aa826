// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pesign_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxboron/go-uefi/authenticode"
	"github.com/siderolabs/crypto/x509"
	"github.com/siderolabs/gen/xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genboot/genboot/internal/pkg/pe/petest"
	"github.com/genboot/genboot/internal/pkg/pesign"
)

func generateCA(t *testing.T, commonName string) *x509.CertificateAuthority {
	t.Helper()

	currentTime := time.Now()

	ca, err := x509.NewSelfSignedCertificateAuthority(
		x509.RSA(true),
		x509.Bits(2048),
		x509.CommonName(commonName),
		x509.Organization(commonName),
		x509.NotBefore(currentTime),
		x509.NotAfter(currentTime.Add(24*time.Hour)),
	)
	require.NoError(t, err)

	return ca
}

func writeCA(t *testing.T, dir string, ca *x509.CertificateAuthority) (keyPath, certPath string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))

	keyPath = filepath.Join(dir, "signing-key.pem")
	certPath = filepath.Join(dir, "signing-cert.pem")

	require.NoError(t, os.WriteFile(keyPath, ca.KeyPEM, 0o600))
	require.NoError(t, os.WriteFile(certPath, ca.CrtPEM, 0o600))

	return keyPath, certPath
}

func TestSign(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()

	ca := generateCA(t, "test-sign")
	keyPath, certPath := writeCA(t, tmpDir, ca)

	provider, err := pesign.NewFileSigner(keyPath, certPath)
	require.NoError(t, err)

	signer, err := pesign.NewSigner(provider)
	require.NoError(t, err)

	stubPath := petest.WriteStub(t, tmpDir)
	signedPath := filepath.Join(tmpDir, "stub.efi.signed")

	require.NoError(t, signer.Sign(stubPath, signedPath))

	unsigned, err := os.Stat(stubPath)
	require.NoError(t, err)

	signed, err := os.Stat(signedPath)
	require.NoError(t, err)

	require.Greater(t, signed.Size(), unsigned.Size())

	signedData, err := os.ReadFile(signedPath)
	require.NoError(t, err)

	binary, err := authenticode.Parse(bytes.NewReader(signedData))
	require.NoError(t, err)

	verified, err := binary.Verify(ca.Crt)
	require.NoError(t, err)
	assert.True(t, verified)
}

func TestNewFileSignerMismatch(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()

	keyPath, _ := writeCA(t, filepath.Join(tmpDir, "a"), generateCA(t, "ca-a"))
	_, certPath := writeCA(t, filepath.Join(tmpDir, "b"), generateCA(t, "ca-b"))

	_, err := pesign.NewFileSigner(keyPath, certPath)
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[pesign.KeyUnusableTag](err))
}

func TestNewFileSignerMalformed(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()

	junkPath := filepath.Join(tmpDir, "junk.pem")
	require.NoError(t, os.WriteFile(junkPath, []byte("not a pem"), 0o600))

	_, err := pesign.NewFileSigner(junkPath, junkPath)
	require.Error(t, err)
	assert.True(t, xerrors.TagIs[pesign.KeyUnusableTag](err))
}
