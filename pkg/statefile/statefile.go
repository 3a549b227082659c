// Package statefile persists telemetry client state as a small YAML
// document: a stable server identifier, the opt-out flag, and the debug
// flag. The file is re-read on every Load so an operator can toggle
// opt-out with a text editor while the host is running.
package statefile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/statbeacon/statbeacon/pkg/telemetry"
)

// document is the on-disk YAML shape.
type document struct {
	ServerID string `yaml:"server-id"`
	OptOut   bool   `yaml:"opt-out"`
	Debug    bool   `yaml:"debug"`
}

// Store is a file-backed telemetry.StateStore.
type Store struct {
	path string
}

var _ telemetry.StateStore = (*Store)(nil)

// Open loads the state file at path, creating it with a freshly generated
// server ID if it does not exist. An existing ID is never regenerated. A
// file that exists but cannot be parsed is a hard error here; the client's
// runtime reloads fail safe instead.
func Open(path string) (*Store, error) {
	s := &Store{path: path}

	doc, err := s.read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		doc = document{}
	case err != nil:
		return nil, err
	}

	if doc.ServerID == "" {
		doc.ServerID = uuid.New().String()
		if err := s.write(doc); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load re-reads the state file.
func (s *Store) Load() (telemetry.State, error) {
	doc, err := s.read()
	if err != nil {
		return telemetry.State{}, err
	}
	return telemetry.State{
		ServerID: doc.ServerID,
		OptOut:   doc.OptOut,
		Debug:    doc.Debug,
	}, nil
}

// Save writes the state atomically: a temp file in the same directory is
// renamed over the target, so a concurrent Load never sees a torn write.
func (s *Store) Save(st telemetry.State) error {
	return s.write(document{
		ServerID: st.ServerID,
		OptOut:   st.OptOut,
		Debug:    st.Debug,
	})
}

func (s *Store) read() (document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return document{}, fmt.Errorf("statefile: read %q: %w", s.path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("statefile: parse %q: %w", s.path, err)
	}
	return doc, nil
}

func (s *Store) write(doc document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("statefile: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statefile: create dir %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".statefile-*")
	if err != nil {
		return fmt.Errorf("statefile: temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("statefile: write %q: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("statefile: close %q: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("statefile: rename to %q: %w", s.path, err)
	}
	return nil
}
