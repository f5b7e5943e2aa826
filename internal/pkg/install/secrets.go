// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package install

import (
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/siderolabs/gen/maps"
	"github.com/siderolabs/gen/xerrors"
	"github.com/u-root/u-root/pkg/cpio"

	"github.com/genboot/genboot/internal/pkg/digest"
)

// SecretUnreadableTag tags errors caused by a secret source file which could not be read.
type SecretUnreadableTag struct{}

// SecretsFingerprint identifies the effective secret set of a variant.
//
// The fingerprint is computed over the embedded names and the secret contents,
// never over the source paths: re-keying a secret in place must change the
// fingerprint, while moving the source file around must not.
func SecretsFingerprint(secrets map[string]string) (digest.Digest, error) {
	names := maps.Keys(secrets)
	slices.Sort(names)

	digester := digest.Algorithm.Digester()
	h := digester.Hash()

	for _, name := range names {
		content, err := os.ReadFile(secrets[name])
		if err != nil {
			return "", xerrors.NewTaggedf[SecretUnreadableTag]("secret %q unreadable: %w", name, err)
		}

		fmt.Fprintf(h, "%s\x00%s\x00", name, digest.Bytes(content))
	}

	return digester.Digest(), nil
}

// AppendSecrets writes a copy of the initrd with a trailing zstd-compressed
// cpio member holding the secret files.
//
// The kernel unpacks concatenated initrd members in order, so the appended
// member overlays the base image and the secrets win.
func AppendSecrets(dstPath, initrdPath string, secrets map[string]string) error {
	src, err := os.Open(initrdPath)
	if err != nil {
		return fmt.Errorf("failed to open initrd: %w", err)
	}

	defer src.Close() //nolint:errcheck

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	defer dst.Close() //nolint:errcheck

	if _, err = io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy initrd: %w", err)
	}

	zw, err := zstd.NewWriter(dst)
	if err != nil {
		return err
	}

	w := cpio.Newc.Writer(zw)

	names := maps.Keys(secrets)
	slices.Sort(names)

	seenDirs := map[string]struct{}{}

	for _, name := range names {
		clean := path.Clean(strings.TrimPrefix(name, "/"))
		if clean == "." || strings.HasPrefix(clean, "..") {
			return fmt.Errorf("secret path %q escapes the initrd root", name)
		}

		for _, dir := range parentDirs(clean) {
			if _, ok := seenDirs[dir]; ok {
				continue
			}

			seenDirs[dir] = struct{}{}

			if err = w.WriteRecord(cpio.Directory(dir, 0o755)); err != nil {
				return fmt.Errorf("failed to write secret archive: %w", err)
			}
		}

		content, err := os.ReadFile(secrets[name])
		if err != nil {
			return xerrors.NewTaggedf[SecretUnreadableTag]("secret %q unreadable: %w", name, err)
		}

		if err = w.WriteRecord(cpio.StaticFile(clean, string(content), 0o400)); err != nil {
			return fmt.Errorf("failed to write secret archive: %w", err)
		}
	}

	if err = cpio.WriteTrailer(w); err != nil {
		return fmt.Errorf("failed to write secret archive: %w", err)
	}

	if err = zw.Close(); err != nil {
		return err
	}

	return dst.Close()
}

func parentDirs(name string) []string {
	var dirs []string

	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		dirs = append(dirs, dir)
	}

	slices.Reverse(dirs)

	return dirs
}
