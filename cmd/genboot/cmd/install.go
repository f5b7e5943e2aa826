// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"
	"path"

	"github.com/siderolabs/go-blockdevice/v2/blkid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/genboot/genboot/internal/pkg/efivars"
	"github.com/genboot/genboot/internal/pkg/install"
	"github.com/genboot/genboot/internal/pkg/manifest"
	"github.com/genboot/genboot/internal/pkg/pesign"
)

var installOptions struct {
	key      string
	cert     string
	stub     string
	config   string
	bootDisk string
	register bool
	prune    int
}

// installCmd publishes generation manifests as signed stub images.
var installCmd = &cobra.Command{
	Use:   "install <manifest.json>...",
	Short: "Install generations described by manifests onto the EFI system partition",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstallCmd(cmd, args)
	},
}

func init() {
	installCmd.Flags().StringVar(&installOptions.key, "key", "", "path to the PEM signing key")
	installCmd.Flags().StringVar(&installOptions.cert, "cert", "", "path to the PEM signing certificate")
	installCmd.Flags().StringVar(&installOptions.stub, "stub", "", "path to the stub template PE image")
	installCmd.Flags().StringVar(&installOptions.config, "config", "", "path to the installer configuration")
	installCmd.Flags().StringVar(&installOptions.bootDisk, "boot-disk", "", "block device holding the EFI system partition (for --register)")
	installCmd.Flags().BoolVar(&installOptions.register, "register", false, "register the newest stub with the firmware boot manager")
	installCmd.Flags().IntVar(&installOptions.prune, "prune", 0, "keep only the given number of generations after installing")

	installCmd.MarkFlagRequired("key")  //nolint:errcheck
	installCmd.MarkFlagRequired("cert") //nolint:errcheck
	installCmd.MarkFlagRequired("stub") //nolint:errcheck

	rootCmd.AddCommand(installCmd)
}

//nolint:gocyclo
func runInstallCmd(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	defer logger.Sync() //nolint:errcheck

	cfg, err := loadInstallConfig(cmd)
	if err != nil {
		return err
	}

	provider, err := pesign.NewFileSigner(installOptions.key, installOptions.cert)
	if err != nil {
		return err
	}

	signer, err := pesign.NewSigner(provider)
	if err != nil {
		return err
	}

	docs := make([]*manifest.Document, 0, len(args))

	for _, arg := range args {
		doc, err := manifest.Load(arg)
		if err != nil {
			return err
		}

		docs = append(docs, doc)
	}

	installer, err := install.NewInstaller(install.Options{
		Config:       cfg,
		Signer:       signer,
		StubTemplate: installOptions.stub,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	if err = installer.InstallAll(cmd.Context(), docs); err != nil {
		return err
	}

	if installOptions.prune > 0 {
		if err = installer.Prune(installOptions.prune); err != nil {
			return err
		}
	}

	if installOptions.register {
		if err = registerNewest(cfg, logger); err != nil {
			return err
		}
	}

	return nil
}

func loadInstallConfig(cmd *cobra.Command) (*install.Config, error) {
	cfg := install.DefaultConfig()

	if installOptions.config != "" {
		var err error

		if cfg, err = install.LoadConfig(installOptions.config); err != nil {
			return nil, err
		}
	}

	// the flag wins over the config file default
	if cmd.Flags().Changed("esp") || cfg.ESP == "" {
		cfg.ESP = rootOptions.esp
	}

	return cfg, nil
}

// registerNewest points the firmware boot manager at the most recently
// installed stub, so the system boots it even without a boot loader menu.
func registerNewest(cfg *install.Config, logger *zap.Logger) error {
	if installOptions.bootDisk == "" {
		return fmt.Errorf("--boot-disk is required with --register")
	}

	layout := install.Layout{Root: cfg.ESP}

	entry, err := install.MostRecent(layout)
	if err != nil {
		return err
	}

	info, err := blkid.ProbePath(installOptions.bootDisk, blkid.WithSkipLocking(true))
	if err != nil {
		return fmt.Errorf("failed to probe block device %s: %w", installOptions.bootDisk, err)
	}

	rw := efivars.NewFilesystemReaderWriter("")

	return efivars.RegisterBootEntry(rw, info, logger.Sugar().Infof, "genboot",
		path.Join("/", install.StubRef(entry.Generation, entry.Specialisation)))
}
