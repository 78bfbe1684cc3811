// Package yaml writes isolate state files atomically and recovers them when
// they are found corrupted.
package yaml

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// WriteState marshals a versioned state file and replaces path with it. The
// marshalled content must carry a header of fileType; a report missing its
// header or tagged with another type never reaches the target, so Load can
// always read back what WriteState wrote.
func WriteState(path, fileType string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return replace(path, content, func(b []byte) error {
		return ValidateHeader(b, fileType)
	})
}

// AtomicWrite marshals data and replaces path with it. Use it for files
// without a schema header, such as config.yaml.
func AtomicWrite(path string, data any) error {
	content, err := yamlv3.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return replace(path, content, validateYAML)
}

// AtomicWriteRaw replaces path with content once it parses as YAML.
func AtomicWriteRaw(path string, content []byte) error {
	return replace(path, content, validateYAML)
}

// replace stages content in a synced temp file next to path, runs check on
// what was actually written and only then renames it into place. An existing
// target is copied to path.bak first.
func replace(path string, content []byte, check func([]byte) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	staged, err := stage(dir, content)
	if staged != "" {
		defer os.Remove(staged)
	}
	if err != nil {
		return err
	}

	written, err := os.ReadFile(staged)
	if err != nil {
		return fmt.Errorf("read staged file: %w", err)
	}
	if err := check(written); err != nil {
		return fmt.Errorf("validate %s: %w", filepath.Base(path), err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}
	if err := os.Rename(staged, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// stage writes content to a fresh temp file in dir and returns its name. The
// name is returned even on failure so the caller can clean up.
func stage(dir string, content []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".isolate-tmp-*.yaml")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(content); err != nil {
		f.Close()
		return name, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return name, fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return name, fmt.Errorf("close temp file: %w", err)
	}
	return name, nil
}

func validateYAML(content []byte) error {
	var v any
	return yamlv3.Unmarshal(content, &v)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
