// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package efivars

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"strings"

	"github.com/google/uuid"
)

// Loader variable names of the systemd-boot loader protocol, published under
// ScopeSystemd.
const (
	LoaderDevicePartUUIDName  = "LoaderDevicePartUUID"
	LoaderImageIdentifierName = "LoaderImageIdentifier"
	LoaderFirmwareInfoName    = "LoaderFirmwareInfo"
	LoaderFirmwareTypeName    = "LoaderFirmwareType"
	StubInfoName              = "StubInfo"
	StubFeaturesName          = "StubFeatures"
)

// Stub feature bits reported via the StubFeatures variable.
const (
	FeatureVerifyKernel uint64 = 1 << iota
	FeatureVerifyInitrd
	FeatureSecretInjection
	FeatureReportEntry
	FeatureReportPartUUID
)

// Features is the feature bitmask of this stub build.
//
// Every optional capability below is compiled in, so the mask is never zero.
const Features = FeatureVerifyKernel |
	FeatureVerifyInitrd |
	FeatureSecretInjection |
	FeatureReportEntry |
	FeatureReportPartUUID

// BootInfo is the loader state published once per boot attempt.
type BootInfo struct {
	// PartUUID of the partition the stub was loaded from; uuid.Nil if unknown.
	PartUUID uuid.UUID
	// ImageIdentifier is the ESP-relative path of the stub image.
	ImageIdentifier string
	// FirmwareInfo is the firmware vendor/version string.
	FirmwareInfo string
	// FirmwareType is the firmware interface type (e.g. "uefi").
	FirmwareType string
	// StubInfo is the stub provenance string.
	StubInfo string
}

// Export publishes the loader state variables.
//
// The variables are informational: individual write failures are logged and
// never block the boot.
func Export(rw ReadWriter, info *BootInfo, logf func(string, ...any)) {
	// loader variables are volatile, they describe this boot only
	const attrs = AttrBootServiceAccess | AttrRuntimeAccess

	setString := func(name, value string) {
		if value == "" {
			return
		}

		encoded, err := EncodeString(value)
		if err != nil {
			logf("failed to encode %s: %v", name, err)

			return
		}

		if err = rw.Write(ScopeSystemd, name, attrs, encoded); err != nil {
			logf("failed to write %s: %v", name, err)
		}
	}

	if info.PartUUID != uuid.Nil {
		setString(LoaderDevicePartUUIDName, strings.ToUpper(info.PartUUID.String()))
	}

	setString(LoaderImageIdentifierName, info.ImageIdentifier)
	setString(LoaderFirmwareInfoName, info.FirmwareInfo)
	setString(LoaderFirmwareTypeName, info.FirmwareType)
	setString(StubInfoName, info.StubInfo)

	if err := rw.Write(ScopeSystemd, StubFeaturesName, attrs, append64(nil, Features)); err != nil {
		logf("failed to write %s: %v", StubFeaturesName, err)
	}
}

// ReadLoaderDevicePartUUID reads the ESP partition UUID from the loader variables.
func ReadLoaderDevicePartUUID(rw ReadWriter) (uuid.UUID, error) {
	data, _, err := rw.Read(ScopeSystemd, LoaderDevicePartUUIDName)
	if err != nil {
		return uuid.Nil, err
	}

	strContent, err := DecodeString(data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("decoding string failed: %w", err)
	}

	out, err := uuid.Parse(strContent)
	if err != nil {
		return uuid.Nil, fmt.Errorf("value in %s could not be parsed as UUID: %w", LoaderDevicePartUUIDName, err)
	}

	return out, nil
}

// ReadStubFeatures reads back the StubFeatures bitmask; fs.ErrNotExist if unset.
func ReadStubFeatures(rw ReadWriter) (uint64, error) {
	data, _, err := rw.Read(ScopeSystemd, StubFeaturesName)
	if err != nil {
		return 0, err
	}

	if len(data) != 8 {
		return 0, fmt.Errorf("unexpected StubFeatures size %d: %w", len(data), fs.ErrInvalid)
	}

	return binary.LittleEndian.Uint64(data), nil
}
