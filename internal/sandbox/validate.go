package sandbox

import (
	"bytes"
	"fmt"

	"fabric/internal/domain"
)

// The binary format header: 4-byte magic followed by a 4-byte version word.
var (
	wasmMagic   = []byte{0x00, 0x61, 0x73, 0x6D} // "\0asm"
	wasmVersion = []byte{0x01, 0x00, 0x00, 0x00}
)

// ValidateBinary checks the magic header and version word of an agent binary
// before any compile resource is allocated. It does not validate the body;
// the compiler rejects structurally broken modules later.
func ValidateBinary(binary []byte) error {
	if len(binary) < 8 {
		return domain.NewDomainError("sandbox.ValidateBinary", domain.ErrInvalidBinary,
			fmt.Sprintf("binary too short: %d bytes", len(binary)))
	}
	if !bytes.Equal(binary[0:4], wasmMagic) {
		return domain.NewDomainError("sandbox.ValidateBinary", domain.ErrInvalidBinary,
			fmt.Sprintf("bad magic header % x", binary[0:4]))
	}
	if !bytes.Equal(binary[4:8], wasmVersion) {
		return domain.NewDomainError("sandbox.ValidateBinary", domain.ErrInvalidBinary,
			fmt.Sprintf("unsupported version word % x", binary[4:8]))
	}
	return nil
}
