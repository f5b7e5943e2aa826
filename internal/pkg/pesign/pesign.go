// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pesign implements the PE (portable executable) signing.
package pesign

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"os"

	"github.com/foxboron/go-uefi/authenticode"
	"github.com/siderolabs/gen/xerrors"
)

// SigningFailedTag tags errors of the underlying cryptographic signing operation.
type SigningFailedTag struct{}

// Signer signs PE (portable executable) files.
type Signer struct {
	provider CertificateSigner
}

// CertificateSigner is a provider of the certificate and the signer.
type CertificateSigner interface {
	Signer() crypto.Signer
	Certificate() *x509.Certificate
}

// NewSigner creates a new Signer.
func NewSigner(provider CertificateSigner) (*Signer, error) {
	return &Signer{
		provider: provider,
	}, nil
}

// Sign signs the input file and writes the output to the output file.
//
// The signature covers the whole image, including any metadata sections
// embedded before signing. Signing an unchanged input again produces an
// equally valid signature, although not necessarily identical bytes.
func (s *Signer) Sign(input, output string) error {
	unsigned, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	binary, err := authenticode.Parse(bytes.NewReader(unsigned))
	if err != nil {
		return xerrors.NewTaggedf[SigningFailedTag]("failed to parse %s: %w", input, err)
	}

	if _, err = binary.Sign(s.provider.Signer(), s.provider.Certificate()); err != nil {
		return xerrors.NewTaggedf[SigningFailedTag]("failed to sign %s: %w", input, err)
	}

	return os.WriteFile(output, binary.Bytes(), 0o600)
}
