package cache

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/neurodata/synq/pkg/domain"
)

// SidecarPath is the path of the checksum sidecar of the item at itemPath.
func SidecarPath(itemPath string) string {
	return itemPath + SidecarSuffix
}

// WriteSidecar records checksums as the sidecar of the item at itemPath.
//
// The sidecar is written to a temporary file and renamed into place, so a
// reader never observes a partially-written sidecar as valid.
func WriteSidecar(itemPath string, checksums domain.Checksums) error {
	buf, err := json.MarshalIndent(checksums, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(itemPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(itemPath)+".sidecar-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, SidecarPath(itemPath))
}

// ReadSidecar loads the digest mapping recorded for the item at itemPath.
func ReadSidecar(itemPath string) (domain.Checksums, error) {
	buf, err := os.ReadFile(SidecarPath(itemPath))
	if err != nil {
		return nil, err
	}
	sums := domain.Checksums{}
	if err := json.Unmarshal(buf, &sums); err != nil {
		return nil, err
	}
	return sums, nil
}
