package yaml

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type report struct {
	Header `yaml:",inline"`
	Merged int `yaml:"merged"`
}

func TestValidateHeader(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		errMsg  string
	}{
		{name: "valid", content: "schema_version: 1\nfile_type: train_report\n", want: FileTypeTrainReport},
		{name: "any known type", content: "schema_version: 1\nfile_type: daemon_state\n"},
		{name: "missing version", content: "file_type: train_report\n", errMsg: "invalid schema_version 0"},
		{name: "future version", content: "schema_version: 9\nfile_type: train_report\n", errMsg: "unsupported schema_version 9"},
		{name: "missing type", content: "schema_version: 1\n", errMsg: "missing file_type"},
		{name: "unknown type", content: "schema_version: 1\nfile_type: queue_task\n", errMsg: `unknown file_type: "queue_task"`},
		{name: "mismatch", content: "schema_version: 1\nfile_type: daemon_state\n", want: FileTypeTrainReport, errMsg: "file_type mismatch"},
		{name: "not yaml", content: "a: [", errMsg: "parse yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHeader([]byte(tt.content), tt.want)
			if tt.errMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Fatalf("expected error containing %q, got %v", tt.errMsg, err)
			}
		})
	}
}

func TestLoad_Valid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "last_run.yaml")
	if err := AtomicWrite(path, report{Header: NewHeader(FileTypeTrainReport), Merged: 3}); err != nil {
		t.Fatal(err)
	}

	var r report
	recovered, err := Load(dir, path, FileTypeTrainReport, &r)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if recovered {
		t.Error("valid file should not be recovered")
	}
	if r.Merged != 3 {
		t.Errorf("merged: got %d, want 3", r.Merged)
	}
}

func TestLoad_Missing(t *testing.T) {
	dir := t.TempDir()
	var r report
	_, err := Load(dir, filepath.Join(dir, "absent.yaml"), FileTypeTrainReport, &r)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestLoad_RestoresFromBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "last_run.yaml")
	if err := AtomicWrite(path, report{Header: NewHeader(FileTypeTrainReport), Merged: 1}); err != nil {
		t.Fatal(err)
	}
	if err := AtomicWrite(path, report{Header: NewHeader(FileTypeTrainReport), Merged: 2}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("schema_version: ["), 0644); err != nil {
		t.Fatal(err)
	}

	var r report
	recovered, err := Load(dir, path, FileTypeTrainReport, &r)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !recovered {
		t.Error("expected recovery from backup")
	}
	if r.Merged != 1 {
		t.Errorf("merged: got %d, want backup value 1", r.Merged)
	}

	quarantined, _ := filepath.Glob(filepath.Join(dir, "quarantine", "last_run.yaml.*.corrupt"))
	if len(quarantined) != 1 {
		t.Errorf("expected one quarantined file, got %v", quarantined)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("restored file missing: %v", err)
	}
}

func TestLoad_CorruptWithoutBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "last_run.yaml")
	if err := os.WriteFile(path, []byte("schema_version: 1\nfile_type: daemon_state\n"), 0644); err != nil {
		t.Fatal(err)
	}

	var r report
	_, err := Load(dir, path, FileTypeTrainReport, &r)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt file should have been moved away")
	}
}
