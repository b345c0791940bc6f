// Package atomicfile provides crash-safe file writes with .bak backups and quarantine recovery.
package atomicfile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Validator checks content before it replaces the target.
type Validator func([]byte) error

// ValidJSON rejects content that does not decode as JSON.
func ValidJSON(content []byte) error {
	var v any
	return json.Unmarshal(content, &v)
}

// ValidYAML rejects content that does not decode as YAML.
func ValidYAML(content []byte) error {
	var v any
	return yaml.Unmarshal(content, &v)
}

// WriteJSON marshals data as indented JSON and writes it atomically.
func WriteJSON(path string, data any) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	return WriteRaw(path, append(content, '\n'), ValidJSON)
}

// WriteYAML marshals data as YAML and writes it atomically.
func WriteYAML(path string, data any) error {
	content, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return WriteRaw(path, content, ValidYAML)
}

// WriteRaw writes content to a temp file in the target directory, syncs and
// validates it, keeps the previous version as path+".bak" and renames over path.
// A nil validate skips validation.
func WriteRaw(path string, content []byte, validate Validator) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".taskvault-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if validate != nil {
		written, err := os.ReadFile(tmpName)
		if err != nil {
			return fmt.Errorf("read temp file for validation: %w", err)
		}
		if err := validate(written); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
