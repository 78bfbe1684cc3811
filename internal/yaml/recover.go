package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yamlv3 "gopkg.in/yaml.v3"
)

// ErrCorrupt is returned by Load when neither the file nor its backup could
// be decoded. The corrupted file has already been quarantined.
var ErrCorrupt = errors.New("state file is corrupted")

// Quarantine moves path into stateDir/quarantine and returns the new path.
func Quarantine(stateDir, path string) (string, error) {
	dir := filepath.Join(stateDir, "quarantine")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	dst := filepath.Join(dir, fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), time.Now().Format("20060102T150405.000")))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

func decode(content []byte, fileType string, v any) error {
	if err := ValidateHeader(content, fileType); err != nil {
		return err
	}
	return yamlv3.Unmarshal(content, v)
}

// Load decodes a versioned state file into v. A file that fails to decode is
// quarantined and replaced by its .bak copy when that one is valid; recovered
// reports whether that happened. A missing file returns an error wrapping
// os.ErrNotExist.
func Load(stateDir, path, fileType string, v any) (recovered bool, err error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	decodeErr := decode(content, fileType, v)
	if decodeErr == nil {
		return false, nil
	}

	if _, err := Quarantine(stateDir, path); err != nil {
		return false, err
	}
	backup, err := os.ReadFile(path + ".bak")
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrCorrupt, filepath.Base(path), decodeErr)
	}
	if err := decode(backup, fileType, v); err != nil {
		return false, fmt.Errorf("%w: %s and its backup: %v", ErrCorrupt, filepath.Base(path), err)
	}
	if err := replace(path, backup, func(b []byte) error { return ValidateHeader(b, fileType) }); err != nil {
		return false, fmt.Errorf("restore from backup: %w", err)
	}
	return true, nil
}
