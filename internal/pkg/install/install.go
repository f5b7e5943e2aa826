// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package install publishes signed generations to the EFI system partition.
//
// Every mutation of the boot partition is staged next to its destination and
// moved into place with a rename, and the boot entry of a variant is written
// only after its stub image and artifacts are in place: a crash at any point
// leaves previously installed generations bootable.
package install

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/alexflint/go-filemutex"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/genboot/genboot/internal/pkg/digest"
	"github.com/genboot/genboot/internal/pkg/manifest"
	"github.com/genboot/genboot/internal/pkg/pesign"
	"github.com/genboot/genboot/internal/pkg/stub"
)

// Stage names the installer pipeline stage an error occurred in.
type Stage string

// Pipeline stages, in execution order per variant.
const (
	StageResolve Stage = "resolve"
	StageSecrets Stage = "secrets"
	StageDigest  Stage = "digest"
	StageSign    Stage = "sign"
	StagePublish Stage = "publish"
	StageEntry   Stage = "entry"
)

// InstallError identifies the generation variant and pipeline stage of a failure.
type InstallError struct {
	Err            error
	Specialisation string
	Stage          Stage
	Generation     uint64
}

func (e *InstallError) Error() string {
	if e.Specialisation != "" {
		return fmt.Sprintf("generation %d (specialisation %q): stage %s: %v", e.Generation, e.Specialisation, e.Stage, e.Err)
	}

	return fmt.Sprintf("generation %d: stage %s: %v", e.Generation, e.Stage, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// Options configure an Installer.
type Options struct {
	Config       *Config
	Signer       *pesign.Signer
	Logger       *zap.Logger
	StubTemplate string
}

// Installer publishes generations described by manifests as signed stub images.
type Installer struct {
	cfg          *Config
	signer       *pesign.Signer
	logger       *zap.Logger
	layout       Layout
	stubTemplate string
}

// NewInstaller validates the options and builds an Installer.
func NewInstaller(opts Options) (*Installer, error) {
	if opts.Config == nil || opts.Config.ESP == "" {
		return nil, fmt.Errorf("boot partition mount point is required")
	}

	if opts.Signer == nil {
		return nil, fmt.Errorf("signing key is required")
	}

	if opts.StubTemplate == "" {
		return nil, fmt.Errorf("stub template is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Installer{
		cfg:          opts.Config,
		signer:       opts.Signer,
		logger:       logger,
		layout:       Layout{Root: opts.Config.ESP},
		stubTemplate: opts.StubTemplate,
	}, nil
}

// InstallAll publishes a batch of generations.
//
// Generations are installed in parallel and independently: a failing
// generation never blocks the others, and all failures are reported together.
// Within a generation the variants are strictly sequential, the plain
// generation first.
func (i *Installer) InstallAll(ctx context.Context, docs []*manifest.Document) error {
	if err := manifest.ValidateBatch(docs); err != nil {
		return err
	}

	for _, dir := range []string{i.layout.LinuxDir(), i.layout.ArtifactDir(), i.layout.EntriesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	unlock, err := i.lock()
	if err != nil {
		return err
	}

	defer unlock()

	if err := i.writeLoaderConf(); err != nil {
		return err
	}

	var (
		eg   errgroup.Group
		mu   sync.Mutex
		merr *multierror.Error
	)

	if i.cfg.Concurrency > 0 {
		eg.SetLimit(i.cfg.Concurrency)
	}

	for _, doc := range docs {
		eg.Go(func() error {
			if err := i.installGeneration(ctx, doc); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}

			return nil
		})
	}

	eg.Wait() //nolint:errcheck

	return merr.ErrorOrNil()
}

// lock serializes installers against each other; two concurrent installs
// would race on staged artifact renames.
func (i *Installer) lock() (func(), error) {
	if err := os.MkdirAll(i.layout.LoaderDir(), 0o755); err != nil {
		return nil, err
	}

	m, err := filemutex.New(i.layout.LockPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err = m.Lock(); err != nil {
		return nil, fmt.Errorf("failed to acquire installer lock: %w", err)
	}

	return func() {
		if err := m.Unlock(); err != nil {
			i.logger.Warn("failed to release installer lock", zap.Error(err))
		}
	}, nil
}

func (i *Installer) writeLoaderConf() error {
	contents := i.cfg.Loader.Render()
	if len(contents) == 0 {
		return nil
	}

	return writeStaged(i.layout.LoaderConfPath(), contents)
}

func (i *Installer) installGeneration(ctx context.Context, doc *manifest.Document) error {
	for _, variant := range doc.Variants() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := i.installVariant(variant); err != nil {
			return err
		}
	}

	return nil
}

//nolint:gocyclo,cyclop
func (i *Installer) installVariant(v manifest.Variant) error {
	fail := func(stage Stage, err error) error {
		return &InstallError{
			Generation:     v.Generation,
			Specialisation: v.Name,
			Stage:          stage,
			Err:            err,
		}
	}

	logger := i.logger.With(zap.Uint64("generation", v.Generation))
	if v.Name != "" {
		logger = logger.With(zap.String("specialisation", v.Name))
	}

	// resolve
	for _, p := range []string{v.Boot.Kernel, v.Boot.Initrd} {
		if _, err := os.Stat(p); err != nil {
			return fail(StageResolve, err)
		}
	}

	// secrets: the effective initrd is the base image plus the injected
	// secret set, keyed on contents
	initrdSrc := v.Boot.Initrd

	if len(v.Boot.InitrdSecrets) > 0 {
		fingerprint, err := SecretsFingerprint(v.Boot.InitrdSecrets)
		if err != nil {
			return fail(StageSecrets, err)
		}

		logger.Debug("injecting initrd secrets", zap.Stringer("fingerprint", fingerprint))

		tmp, err := os.CreateTemp("", "genboot-initrd")
		if err != nil {
			return fail(StageSecrets, err)
		}

		tmp.Close() //nolint:errcheck

		defer os.Remove(tmp.Name()) //nolint:errcheck

		if err = AppendSecrets(tmp.Name(), v.Boot.Initrd, v.Boot.InitrdSecrets); err != nil {
			return fail(StageSecrets, err)
		}

		initrdSrc = tmp.Name()
	}

	// digest
	kernelDigest, err := digest.Artifact(v.Boot.Kernel)
	if err != nil {
		return fail(StageDigest, err)
	}

	initrdDigest, err := digest.Artifact(initrdSrc)
	if err != nil {
		return fail(StageDigest, err)
	}

	builder := &stub.Builder{
		StubPath:       i.stubTemplate,
		OSName:         i.cfg.OSName,
		Generation:     v.Generation,
		Specialisation: v.Name,
		Cmdline:        v.Boot.Cmdline(),
		KernelPath:     ArtifactRef(kernelDigest, "kernel"),
		InitrdPath:     ArtifactRef(initrdDigest, "initrd"),
		KernelDigest:   kernelDigest,
		InitrdDigest:   initrdDigest,
	}

	stubPath := i.layout.StubPath(v.Generation, v.Name)

	artifacts := []struct {
		src string
		dst string
	}{
		{v.Boot.Kernel, i.layout.ArtifactPath(kernelDigest, "kernel")},
		{initrdSrc, i.layout.ArtifactPath(initrdDigest, "initrd")},
	}

	if existing, err := stub.Extract(stubPath); err == nil && existing.Equal(builder.Metadata()) {
		// a crash window after the stub rename can still lose the artifacts
		// or the boot entry, so the skip path restores them
		for _, artifact := range artifacts {
			if err = copyStaged(artifact.src, artifact.dst); err != nil {
				return fail(StagePublish, err)
			}
		}

		if _, err = os.Stat(i.layout.EntryPath(v.Generation, v.Name)); err != nil {
			if err = i.writeEntry(v); err != nil {
				return fail(StageEntry, err)
			}

			logger.Info("restored missing boot entry", zap.String("stub", stubPath))
		}

		logger.Info("already installed, skipping", zap.String("stub", stubPath))

		return nil
	}

	// publish artifacts before the stub that references them
	for _, artifact := range artifacts {
		if err = copyStaged(artifact.src, artifact.dst); err != nil {
			return fail(StagePublish, err)
		}
	}

	// sign into a staged file, then rename
	staged := stubPath + ".tmp"

	builder.PESigner = i.signer
	builder.OutPath = staged

	if err = builder.Build(logger.Sugar().Infof); err != nil {
		os.Remove(staged) //nolint:errcheck

		return fail(StageSign, err)
	}

	if err = os.Rename(staged, stubPath); err != nil {
		return fail(StagePublish, err)
	}

	// the boot entry goes last: its existence implies a bootable stub
	if err = i.writeEntry(v); err != nil {
		return fail(StageEntry, err)
	}

	logger.Info("installed", zap.String("stub", stubPath))

	return nil
}

func (i *Installer) writeEntry(v manifest.Variant) error {
	entry := NewEntry(i.cfg.OSName, v.Generation, v.Name)

	return writeStaged(i.layout.EntryPath(v.Generation, v.Name), entry.Render())
}

// copyStaged publishes src at dst via a staged copy and rename.
//
// Artifacts are content-addressed, so an existing destination already has the
// right contents and generations sharing an artifact share the file.
func copyStaged(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}

	defer in.Close() //nolint:errcheck

	// unique staged name: parallel generations may publish the same artifact
	out, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}

	defer os.Remove(out.Name()) //nolint:errcheck

	if _, err = io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck

		return err
	}

	if err = out.Sync(); err != nil {
		out.Close() //nolint:errcheck

		return err
	}

	if err = out.Close(); err != nil {
		return err
	}

	return os.Rename(out.Name(), dst)
}

// writeStaged atomically replaces path with contents.
func writeStaged(path string, contents []byte) error {
	staged := path + ".tmp"

	if err := os.WriteFile(staged, contents, 0o644); err != nil {
		return err
	}

	return os.Rename(staged, path)
}
