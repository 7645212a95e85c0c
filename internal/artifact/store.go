// Package artifact manages the per-job working directory where pipeline
// outputs (script.json, audio, subtitles, clips, final videos) are written.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ScriptFile is the name of the script/terms checkpoint file.
const ScriptFile = "script.json"

// Store roots job directories at <root>/tasks/<jobID>.
type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the data directory the store was created with.
func (s *Store) Root() string { return s.root }

// Dir returns the job directory, creating it if needed.
func (s *Store) Dir(jobID string) (string, error) {
	if err := validateID(jobID); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, "tasks", jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job directory %s: %w", dir, err)
	}
	return dir, nil
}

// Path joins name onto the job directory.
func (s *Store) Path(jobID, name string) (string, error) {
	dir, err := s.Dir(jobID)
	if err != nil {
		return "", err
	}
	if name == "" || strings.Contains(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return filepath.Join(dir, name), nil
}

// WriteJSON stores v under name using a temp file and rename so readers
// never observe a partial document.
func (s *Store) WriteJSON(jobID, name string, v any) (string, error) {
	path, err := s.Path(jobID, name)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// ReadJSON decodes the artifact name into v.
func (s *Store) ReadJSON(jobID, name string, v any) error {
	path, err := s.Path(jobID, name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Info describes one file in a job directory.
type Info struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// List returns the regular files in the job directory, sorted by name.
// A job without a directory yields an empty list.
func (s *Store) List(jobID string) ([]Info, error) {
	if err := validateID(jobID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, "tasks", jobID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []Info
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Name: e.Name(), Size: fi.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// NonEmpty reports whether path exists and has content.
func NonEmpty(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}

func validateID(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".reelgate-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	return nil
}
