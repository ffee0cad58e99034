// Package rundir manages the runtime service directory: for each
// service being launched the daemon creates <rundir>/<service>/ and
// writes a single "service" file containing the serialized script
// configuration the executor helper would read. The directory
// persists for the lifetime of the service and is removed when
// reload drops a cell's tombstone.
package rundir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kansei-svc/kanseid/service"
)

// Manager roots every service's runtime directory under Root.
type Manager struct {
	Root string
}

// New returns a Manager rooted at root, creating it if necessary.
func New(root string) (*Manager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating rundir root %q: %w", root, err)
	}
	return &Manager{Root: root}, nil
}

func (m *Manager) serviceDir(name string) string {
	return filepath.Join(m.Root, name)
}

// Write creates <rundir>/<name>/ if needed and (re)writes its "service"
// file with script's serialized configuration.
func (m *Manager) Write(name string, script *service.Script) error {
	dir := m.serviceDir(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating service directory for %q: %w", name, err)
	}
	data, err := json.Marshal(script)
	if err != nil {
		return fmt.Errorf("serializing script for %q: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "service"), data, 0o644); err != nil {
		return fmt.Errorf("writing service file for %q: %w", name, err)
	}
	return nil
}

// Remove deletes <rundir>/<name>/ entirely, called once reload drops a
// tombstoned cell after it reaches Down.
func (m *Manager) Remove(name string) error {
	if err := os.RemoveAll(m.serviceDir(name)); err != nil {
		return fmt.Errorf("removing service directory for %q: %w", name, err)
	}
	return nil
}
