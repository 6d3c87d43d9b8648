package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// checksumPrefix names the digest algorithm in pinned checksums.
const checksumPrefix = "blake3:"

// ComputeChecksum returns the pinned-checksum form of a file's BLAKE3
// digest, "blake3:<hex>".
func ComputeChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	sum := blake3.Sum256(data)
	return checksumPrefix + hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum checks a worker executable against its pinned digest.
// Modules pin checksums so an orchestrator cannot be tricked into
// launching a swapped binary.
func VerifyChecksum(path, expected string) error {
	actual, err := ComputeChecksum(path)
	if err != nil {
		return fmt.Errorf("failed to compute checksum: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s",
			filepath.Base(path), expected, actual)
	}
	return nil
}
