// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/siderolabs/go-blockdevice/v2/blkid"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/genboot/genboot/internal/pkg/efivars"
	"github.com/genboot/genboot/internal/pkg/install"
	"github.com/genboot/genboot/internal/pkg/secureboot"
	"github.com/genboot/genboot/internal/pkg/stub"
	"github.com/genboot/genboot/internal/pkg/verify"
	"github.com/genboot/genboot/pkg/version"
)

var bootOptions struct {
	entry    string
	bootDisk string
	dryRun   bool
}

// bootCmd verifies a generation against its stub metadata and kexec-loads it.
var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Verify the newest installed generation and load it for kexec",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBootCmd()
	},
}

func init() {
	bootCmd.Flags().StringVar(&bootOptions.entry, "entry", "", "boot entry name to load instead of the newest one")
	bootCmd.Flags().StringVar(&bootOptions.bootDisk, "boot-disk", "", "block device holding the EFI system partition")
	bootCmd.Flags().BoolVar(&bootOptions.dryRun, "dry-run", false, "stop after verification")

	rootCmd.AddCommand(bootCmd)
}

//nolint:gocyclo
func runBootCmd() error {
	layout := install.Layout{Root: rootOptions.esp}

	entry, err := selectEntry(layout)
	if err != nil {
		return err
	}

	stubPath := layout.StubPath(entry.Generation, entry.Specialisation)

	metadata, err := stub.Extract(stubPath)
	if err != nil {
		return fmt.Errorf("failed to read stub metadata from %s: %w", stubPath, err)
	}

	enforcing := secureboot.Enforcing()

	log.Printf("booting %s (Secure Boot enforcing: %v)", path.Base(stubPath), enforcing)

	verifier := &verify.Verifier{
		Metadata:  metadata,
		Root:      rootOptions.esp,
		Enforcing: enforcing,
		Logf:      log.Printf,
	}

	result := verifier.Run()
	if result.State == verify.StateAbort {
		return result.Err
	}

	exportLoaderState(entry)

	if bootOptions.dryRun {
		log.Printf("dry run, not loading kernel")

		return nil
	}

	return kexecLoad(result.KernelPath, result.InitrdPath, metadata.Cmdline)
}

func selectEntry(layout install.Layout) (*install.Entry, error) {
	if bootOptions.entry == "" {
		return install.MostRecent(layout)
	}

	entries, err := install.ListEntries(layout)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if install.EntryName(entry.Generation, entry.Specialisation) == bootOptions.entry {
			return entry, nil
		}
	}

	return nil, fmt.Errorf("boot entry %q not found", bootOptions.entry)
}

// exportLoaderState publishes the loader protocol variables; failures are
// logged but never block the boot.
func exportLoaderState(entry *install.Entry) {
	if _, err := os.Stat(efivars.DefaultMountPoint); err != nil {
		log.Printf("efivarfs unavailable, not exporting loader state: %v", err)

		return
	}

	partUUID := uuid.Nil

	if bootOptions.bootDisk != "" {
		if info, err := blkid.ProbePath(bootOptions.bootDisk, blkid.WithSkipLocking(true)); err == nil {
			for _, part := range info.Parts {
				if part.PartitionType != nil && *part.PartitionType == efivars.ESPTypeGUID && part.PartitionUUID != nil {
					partUUID = *part.PartitionUUID

					break
				}
			}
		} else {
			log.Printf("failed to probe %s: %v", bootOptions.bootDisk, err)
		}
	}

	efivars.Export(efivars.NewFilesystemReaderWriter(""), &efivars.BootInfo{
		PartUUID:        partUUID,
		ImageIdentifier: strings.TrimPrefix(entry.EFI, "/"),
		FirmwareInfo:    firmwareInfo(),
		FirmwareType:    firmwareType(),
		StubInfo:        version.StubInfo(),
	}, log.Printf)
}

func firmwareType() string {
	// https://renenyffenegger.ch/notes/Linux/fhs/sys/firmware/efi/index
	if _, err := os.Stat("/sys/firmware/efi"); err == nil {
		return "uefi"
	}

	return "bios"
}

func firmwareInfo() string {
	var parts []string //nolint:prealloc

	for _, attr := range []string{"bios_vendor", "bios_version"} {
		data, err := os.ReadFile("/sys/class/dmi/id/" + attr)
		if err != nil {
			continue
		}

		parts = append(parts, strings.TrimSpace(string(data)))
	}

	return strings.Join(parts, " ")
}

// kexecLoad stages the verified kernel and initrd for kexec; the actual
// reboot is left to the caller.
func kexecLoad(kernelPath, initrdPath, cmdline string) error {
	kernelFd, err := memfdFrom("vmlinux", kernelPath)
	if err != nil {
		return err
	}

	defer kernelFd.Close() //nolint:errcheck

	initrdFd, err := memfdFrom("initrd", initrdPath)
	if err != nil {
		return err
	}

	defer initrdFd.Close() //nolint:errcheck

	if err := unix.KexecFileLoad(int(kernelFd.Fd()), int(initrdFd.Fd()), cmdline, 0); err != nil {
		return fmt.Errorf("failed to load kernel for kexec: %w", err)
	}

	log.Printf("prepared kexec environment with verified kernel and initrd, cmdline=%q", cmdline)

	return nil
}

func memfdFrom(name, srcPath string) (*os.File, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, err
	}

	defer src.Close() //nolint:errcheck

	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, fmt.Errorf("memfdCreate: %v", err)
	}

	memfd := os.NewFile(uintptr(fd), name)

	if _, err := io.Copy(memfd, src); err != nil {
		memfd.Close() //nolint:errcheck

		return nil, fmt.Errorf("failed to stage %s: %w", name, err)
	}

	if _, err := memfd.Seek(0, io.SeekStart); err != nil {
		memfd.Close() //nolint:errcheck

		return nil, fmt.Errorf("failed to seek %s: %w", name, err)
	}

	return memfd, nil
}
