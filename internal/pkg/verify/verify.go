// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package verify implements the boot-time integrity verification state machine.
//
// The stub image itself is verified by the firmware; this package validates
// the externally referenced kernel and initrd against the digests recorded in
// the stub before control is transferred. A failed verification is
// deterministic, so the machine never retries: it runs once per boot attempt
// and terminates in Execute or Abort.
package verify

import (
	"fmt"
	"path/filepath"

	"github.com/siderolabs/gen/xerrors"

	"github.com/genboot/genboot/internal/pkg/digest"
	"github.com/genboot/genboot/internal/pkg/stub"
)

// State of the verification state machine.
type State string

// Machine states; Execute and Abort are terminal.
const (
	StateStart           State = "Start"
	StateLocateArtifacts State = "LocateArtifacts"
	StateVerifyKernel    State = "VerifyKernel"
	StateVerifyInitrd    State = "VerifyInitrd"
	StateHashMismatch    State = "HashMismatchDetected"
	StateExecute         State = "Execute"
	StateAbort           State = "Abort"
)

// ArtifactMissingTag tags errors caused by a referenced artifact absent from the boot partition.
type ArtifactMissingTag struct{}

// HashMismatchTag tags errors caused by an on-disk artifact not matching its recorded digest.
type HashMismatchTag struct{}

// Verifier validates one generation variant's artifacts before handoff.
type Verifier struct {
	// Metadata extracted from the firmware-verified stub image.
	Metadata *stub.Metadata

	// Root is the mount point of the boot partition.
	Root string

	// Enforcing is the firmware-reported Secure Boot trust state. When the
	// firmware does not enforce trust, tampering is reported but does not
	// block the boot: the stub cannot create guarantees the firmware does
	// not provide, but it must not mask what it detected.
	Enforcing bool

	// Logf is the console sink; the pre-OS environment has no logger.
	Logf func(format string, args ...any)
}

// Result is the terminal outcome of one boot attempt.
type Result struct {
	// State is StateExecute or StateAbort.
	State State

	// Transitions records the states visited, in order.
	Transitions []State

	// Absolute paths of the verified artifacts, set on Execute.
	KernelPath string
	InitrdPath string

	// Err is set when State is StateAbort, and also on a tolerated mismatch
	// (State Execute with Enforcing off).
	Err error
}

// Run executes the state machine once.
//
//nolint:gocyclo
func (v *Verifier) Run() *Result {
	logf := v.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}

	result := &Result{}

	enter := func(s State) { result.Transitions = append(result.Transitions, s) }

	abort := func(err error) *Result {
		enter(StateAbort)

		result.State = StateAbort
		result.Err = err

		return result
	}

	enter(StateStart)

	if err := v.Metadata.Validate(); err != nil {
		return abort(fmt.Errorf("invalid stub metadata: %w", err))
	}

	enter(StateLocateArtifacts)

	kernelPath := filepath.Join(v.Root, filepath.FromSlash(v.Metadata.KernelPath))
	initrdPath := filepath.Join(v.Root, filepath.FromSlash(v.Metadata.InitrdPath))

	var mismatch error

	for _, artifact := range []struct {
		state    State
		kind     string
		path     string
		expected digest.Digest
	}{
		{StateVerifyKernel, "kernel", kernelPath, v.Metadata.KernelDigest},
		{StateVerifyInitrd, "initrd", initrdPath, v.Metadata.InitrdDigest},
	} {
		enter(artifact.state)

		actual, err := digest.Artifact(artifact.path)
		if err != nil {
			// unreadable and missing are the same thing here: nothing to boot
			return abort(xerrors.NewTaggedf[ArtifactMissingTag]("%s %s cannot be read: %w", artifact.kind, artifact.path, err))
		}

		if actual != artifact.expected {
			enter(StateHashMismatch)

			mismatch = xerrors.NewTaggedf[HashMismatchTag](
				"hash mismatch for %s %s: expected %s, computed %s",
				artifact.kind, artifact.path, artifact.expected, actual)

			if v.Enforcing {
				logf("%s; refusing to boot", mismatch)

				return abort(mismatch)
			}

			logf("warning: %s; Secure Boot is not enforcing, continuing", mismatch)
		}
	}

	enter(StateExecute)

	result.State = StateExecute
	result.KernelPath = kernelPath
	result.InitrdPath = initrdPath
	result.Err = mismatch

	return result
}
