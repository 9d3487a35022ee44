package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

var (
	// qcow2Magic is "QFI\xfb" at offset 0.
	// Reference: https://www.qemu.org/docs/master/interop/qcow2.html
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// mbrSignature sits at offset 510 of the first sector of MBR and GPT
	// (protective MBR) disks.
	mbrSignature = []byte{0x55, 0xaa}
)

// DetectImageFormat reads the header of a disk image or block device.
//
//   - QCOW2: magic "QFI\xfb" at offset 0
//   - RAW: boot sector signature 0x55 0xaa at offset 510
//
// Anything else cannot hold a partitioned guest and is rejected.
func DetectImageFormat(filePath string) (VolumeFormat, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open disk image: %w", err)
	}
	defer func() { _ = f.Close() }()

	header := make([]byte, 512)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("failed to read disk header of %s: %w", filePath, err)
	}
	header = header[:n]

	if len(header) >= len(qcow2Magic) && bytes.Equal(header[:len(qcow2Magic)], qcow2Magic) {
		return VolumeFormatQCOW2, nil
	}
	if len(header) == 512 && bytes.Equal(header[510:], mbrSignature) {
		return VolumeFormatRaw, nil
	}

	return "", fmt.Errorf("%s is neither qcow2 nor a partitioned raw disk", filePath)
}
