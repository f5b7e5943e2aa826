// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package efivars

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DevicePathElem is a single node of an EFI device path.
type DevicePathElem interface {
	pathType() uint8
	pathSubType() uint8
	pathData() ([]byte, error)
}

// FilePath is a media device path node holding a file path on a FAT filesystem.
//
// Slashes are converted to the backslashes the firmware expects.
type FilePath string

func (FilePath) pathType() uint8    { return 0x04 }
func (FilePath) pathSubType() uint8 { return 0x04 }

func (p FilePath) pathData() ([]byte, error) {
	return EncodeString(strings.ReplaceAll(string(p), "/", `\`))
}

// HardDrivePath is a media device path node identifying a GPT partition.
type HardDrivePath struct {
	PartitionNumber uint32
	PartitionStart  uint64
	PartitionSize   uint64
	PartitionUUID   uuid.UUID
}

func (HardDrivePath) pathType() uint8    { return 0x04 }
func (HardDrivePath) pathSubType() uint8 { return 0x01 }

func (p HardDrivePath) pathData() ([]byte, error) {
	data := make([]byte, 0, 38)
	data = append32(data, p.PartitionNumber)
	data = binary.LittleEndian.AppendUint64(data, p.PartitionStart)
	data = binary.LittleEndian.AppendUint64(data, p.PartitionSize)
	data = append(data, guidBytes(p.PartitionUUID)...)
	data = append(data, 0x02) // GPT
	data = append(data, 0x02) // GUID signature

	return data, nil
}

// UnknownPath preserves device path nodes this package does not interpret.
type UnknownPath struct {
	Type    uint8
	SubType uint8
	Data    []byte
}

func (p UnknownPath) pathType() uint8    { return p.Type }
func (p UnknownPath) pathSubType() uint8 { return p.SubType }

func (p UnknownPath) pathData() ([]byte, error) { return p.Data, nil }

// DevicePath is a sequence of device path nodes terminated on the wire by an
// end-of-device-path node.
type DevicePath []DevicePathElem

// Marshal encodes the device path into its binary representation.
func (p DevicePath) Marshal() ([]byte, error) {
	var out []byte

	for _, elem := range p {
		data, err := elem.pathData()
		if err != nil {
			return nil, fmt.Errorf("failed encoding device path node: %w", err)
		}

		if len(data)+4 > 0xFFFF {
			return nil, fmt.Errorf("device path node too big (%d bytes)", len(data))
		}

		out = append(out, elem.pathType(), elem.pathSubType())
		out = append16(out, uint16(len(data)+4))
		out = append(out, data...)
	}

	// end of device path
	out = append(out, 0x7F, 0xFF, 0x04, 0x00)

	return out, nil
}

// UnmarshalDevicePath decodes one device path, returning the remaining data.
func UnmarshalDevicePath(data []byte) (DevicePath, []byte, error) {
	var path DevicePath

	for {
		if len(data) < 4 {
			return nil, nil, fmt.Errorf("truncated device path node: %d bytes left", len(data))
		}

		typ, subTyp := data[0], data[1]
		length := binary.LittleEndian.Uint16(data[2:4])

		if int(length) > len(data) || length < 4 {
			return nil, nil, fmt.Errorf("invalid device path node length %d", length)
		}

		nodeData := data[4:length]
		data = data[length:]

		// end of device path
		if typ == 0x7F && subTyp == 0xFF {
			return path, data, nil
		}

		switch {
		case typ == 0x04 && subTyp == 0x04:
			decoded, err := DecodeString(nodeData)
			if err != nil {
				return nil, nil, fmt.Errorf("failed decoding file path node: %w", err)
			}

			path = append(path, FilePath(strings.ReplaceAll(decoded, `\`, "/")))
		case typ == 0x04 && subTyp == 0x01 && len(nodeData) == 38 && nodeData[36] == 0x02 && nodeData[37] == 0x02:
			path = append(path, HardDrivePath{
				PartitionNumber: binary.LittleEndian.Uint32(nodeData[0:4]),
				PartitionStart:  binary.LittleEndian.Uint64(nodeData[4:12]),
				PartitionSize:   binary.LittleEndian.Uint64(nodeData[12:20]),
				PartitionUUID:   guidUUID(nodeData[20:36]),
			})
		default:
			path = append(path, UnknownPath{
				Type:    typ,
				SubType: subTyp,
				Data:    nodeData,
			})
		}
	}
}

// guidBytes converts an RFC 4122 UUID to the EFI GUID layout: the first three
// groups are stored little-endian.
func guidBytes(u uuid.UUID) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = u[3], u[2], u[1], u[0]
	out[4], out[5] = u[5], u[4]
	out[6], out[7] = u[7], u[6]
	copy(out[8:], u[8:])

	return out
}

func guidUUID(data []byte) uuid.UUID {
	var u uuid.UUID
	u[0], u[1], u[2], u[3] = data[3], data[2], data[1], data[0]
	u[4], u[5] = data[5], data[4]
	u[6], u[7] = data[7], data[6]
	copy(u[8:], data[8:16])

	return u
}
