// Package registry discovers GGUF weights on disk and reads their headers.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"inferd/internal/common/fsutil"
	"inferd/pkg/types"
)

// LoadDir scans a directory for *.gguf files and builds a registry from filenames.
// ID is the full filename; header metadata is filled when the file parses.
func LoadDir(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		models = append(models, describe(filepath.Join(abs, name)))
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// Find resolves a model by path, file name, or name without extension inside dir.
func Find(dir, name string) (types.Model, error) {
	if name == "" {
		return types.Model{}, fmt.Errorf("empty model name")
	}
	p, err := fsutil.ExpandHome(name)
	if err != nil {
		return types.Model{}, err
	}
	if filepath.IsAbs(p) || strings.ContainsRune(name, os.PathSeparator) {
		if !fsutil.PathExists(p) {
			return types.Model{}, fmt.Errorf("model file %s: %w", p, os.ErrNotExist)
		}
		return describe(p), nil
	}
	models, err := LoadDir(dir)
	if err != nil {
		return types.Model{}, err
	}
	want := strings.ToLower(name)
	for _, m := range models {
		id := strings.ToLower(m.ID)
		if id == want || strings.TrimSuffix(id, ".gguf") == want {
			return m, nil
		}
	}
	return types.Model{}, fmt.Errorf("model %q not found in %s", name, dir)
}

func describe(path string) types.Model {
	id := filepath.Base(path)
	m := types.Model{ID: id, Name: strings.TrimSuffix(id, filepath.Ext(id)), Path: path}
	if fi, err := os.Stat(path); err == nil {
		m.SizeBytes = fi.Size()
	}
	if meta, err := ReadGGUF(path); err == nil {
		m.Family = meta.Architecture
		m.Quant = meta.FileType
		m.Layers = meta.BlockCount
		if meta.Name != "" {
			m.Name = meta.Name
		}
	}
	return m
}
