// Package config holds the agent's persisted server identity.
package config

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

const FileName = "config.yml"

var ErrMissingField = errors.New("missing required field")

// Identity is the persisted configuration of the supervised server.
type Identity struct {
	// URI is the controller address, e.g. ws://127.0.0.1:2024/api/subserver
	URI        string `yaml:"uri"`
	ServerName string `yaml:"server_name"`
	// ServerJar is the core artifact filename, relative to the server directory.
	ServerJar string `yaml:"server_jar"`
}

func Default() Identity {
	return Identity{
		URI:        "ws://127.0.0.1:2024/api/subserver",
		ServerName: "subserver",
		ServerJar:  "paper-1.20.6-147.jar",
	}
}

func Read(path string) (Identity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, err
	}
	var id Identity
	err = yaml.Unmarshal(b, &id)
	if err != nil {
		return Identity{}, fmt.Errorf("parsing %q: %w", path, err)
	}
	err = id.validate()
	if err != nil {
		return Identity{}, fmt.Errorf("parsing %q: %w", path, err)
	}
	return id, nil
}

// validate rejects documents missing any field, which yaml decodes to zero values without error.
func (id Identity) validate() error {
	var missing []string
	if id.URI == "" {
		missing = append(missing, "uri")
	}
	if id.ServerName == "" {
		missing = append(missing, "server_name")
	}
	if id.ServerJar == "" {
		missing = append(missing, "server_jar")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingField, missing)
	}
	return nil
}

func Write(path string, id Identity) error {
	b, err := yaml.Marshal(&id)
	if err != nil {
		return fmt.Errorf("marshaling identity: %w", err)
	}
	err = os.WriteFile(path, b, 0644)
	if err != nil {
		return fmt.Errorf("writing %q: %w", path, err)
	}
	return nil
}

// Store is the in-memory copy of the identity file.
// Reads return copies so callers never hold the lock across I/O.
type Store struct {
	path string

	mut sync.RWMutex
	id  Identity

	defaulted bool
}

// Load reads the identity at path. If the file is missing, can't be parsed or lacks a field,
// the defaults are used and written out as the new file; an error is returned only
// if that write fails.
func Load(path string) (*Store, error) {
	s := &Store{path: path}
	id, err := Read(path)
	if err == nil {
		s.id = id
		return s, nil
	}
	s.id = Default()
	s.defaulted = true
	if err := Write(path, s.id); err != nil {
		return nil, fmt.Errorf("writing default identity: %w", err)
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Defaulted reports whether Load substituted the default identity.
func (s *Store) Defaulted() bool { return s.defaulted }

func (s *Store) Snapshot() Identity {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.id
}

// SetServerJar updates the core artifact and persists the identity.
// The in-memory value is updated even if persisting fails.
func (s *Store) SetServerJar(jar string) error {
	s.mut.Lock()
	s.id.ServerJar = jar
	id := s.id
	s.mut.Unlock()
	return Write(s.path, id)
}

func (s *Store) Save() error {
	return Write(s.path, s.Snapshot())
}
