// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package pesign

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/siderolabs/gen/xerrors"
)

// KeyUnusableTag tags errors caused by a malformed or mismatched key/certificate pair.
type KeyUnusableTag struct{}

// FileSigner provides the signing key and certificate loaded from PEM files.
type FileSigner struct {
	signer crypto.Signer
	cert   *x509.Certificate
}

// Interface check.
var _ CertificateSigner = (*FileSigner)(nil)

// Signer implements CertificateSigner.
func (s *FileSigner) Signer() crypto.Signer {
	return s.signer
}

// Certificate implements CertificateSigner.
func (s *FileSigner) Certificate() *x509.Certificate {
	return s.cert
}

// NewFileSigner loads a PEM-encoded private key and certificate pair.
//
// The pair is validated to match before any signing is attempted, so a
// misconfigured installation fails before touching the boot partition.
func NewFileSigner(keyPath, certPath string) (*FileSigner, error) {
	key, err := parsePrivateKey(keyPath)
	if err != nil {
		return nil, xerrors.NewTaggedf[KeyUnusableTag]("failed to load signing key: %w", err)
	}

	cert, err := parseCertificate(certPath)
	if err != nil {
		return nil, xerrors.NewTaggedf[KeyUnusableTag]("failed to load signing certificate: %w", err)
	}

	keyPub, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, xerrors.NewTaggedf[KeyUnusableTag]("failed to encode signing key public part: %w", err)
	}

	certPub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return nil, xerrors.NewTaggedf[KeyUnusableTag]("failed to encode certificate public key: %w", err)
	}

	if !bytes.Equal(keyPub, certPub) {
		return nil, xerrors.NewTaggedf[KeyUnusableTag]("signing key does not match certificate %q", cert.Subject)
	}

	return &FileSigner{
		signer: key,
		cert:   cert,
	}, nil
}

func parsePrivateKey(path string) (crypto.Signer, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM data in %s", path)
	}

	var key any

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", path, err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key %s does not implement crypto.Signer", path)
	}

	return signer, nil
}

func parseCertificate(path string) (*x509.Certificate, error) {
	certData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(certData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM data in %s", path)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate %s: %w", path, err)
	}

	return cert, nil
}
