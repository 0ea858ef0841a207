package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// JSONFile persists a report such as a Summary as indented JSON.
type JSONFile struct {
	Path string
}

// NewJSONFile creates a JSONFile.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{Path: path}
}

// Save writes v, replacing any previous content atomically.
func (f *JSONFile) Save(v any) error {
	if f.Path == "" {
		return errors.New("memory: empty output path")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: marshal: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(f.Path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

// Load decodes the file into v. It reports false when the file does not
// exist yet.
func (f *JSONFile) Load(v any) (bool, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("memory: decode %s: %w", f.Path, err)
	}
	return true, nil
}
