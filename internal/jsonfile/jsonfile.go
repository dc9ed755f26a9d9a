// Package jsonfile provides the write-temp-then-rename JSON persistence
// primitive used everywhere the dispatcher owns a small JSON file of
// record (state.json, bus state/*.json) — spec.md §5: "state.json is
// rewritten atomically (write-temp-then-rename) at the end of each tick."
package jsonfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic marshals v and replaces path with it via a temp file in the
// same directory followed by rename, so a crash mid-write never leaves a
// torn file for the next reader.
func WriteAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("jsonfile: mkdir for %s: %w", path, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonfile: marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("jsonfile: create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("jsonfile: write temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("jsonfile: close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("jsonfile: rename temp onto %s: %w", path, err)
	}
	return nil
}

// Read unmarshals the JSON file at path into v. It returns (false, nil) if
// the file does not exist or is empty, so callers can treat "never
// written" the same as "zero value".
func Read(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("jsonfile: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("jsonfile: unmarshal %s: %w", path, err)
	}
	return true, nil
}
